package messaging

import (
	"encoding/json"
	"fmt"

	"agentlink/internal/domain"
)

func Marshal(e domain.Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an envelope without verifying it; receivers call
// VerifyIntegrity before acting on the payload.
func Unmarshal(data []byte) (domain.Envelope, error) {
	var e domain.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.ID == "" {
		return domain.Envelope{}, fmt.Errorf("decode envelope: missing id")
	}
	return e, nil
}
