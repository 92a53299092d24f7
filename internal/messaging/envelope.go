package messaging

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"agentlink/internal/domain"
)

var (
	ErrInvalidQoS       = errors.New("invalid qos level")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrEmptyDestination = errors.New("destination is required")
	ErrIntegrity        = errors.New("envelope integrity check failed")
	ErrPayloadNotObject = errors.New("payload must be a json object")
)

// NewEnvelope builds a pending envelope and fixes its context hash.
func NewEnvelope(origin domain.Origin, destination string, payload any, qos domain.QoS, priority domain.Priority) (domain.Envelope, error) {
	if strings.TrimSpace(destination) == "" {
		return domain.Envelope{}, ErrEmptyDestination
	}
	if !qos.Valid() {
		return domain.Envelope{}, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if !priority.Valid() {
		return domain.Envelope{}, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	if canonical[0] != '{' {
		return domain.Envelope{}, ErrPayloadNotObject
	}
	return domain.Envelope{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Origin:      origin,
		Destination: destination,
		QoS:         qos,
		Priority:    priority,
		Payload:     canonical,
		ContextHash: hashCanonical(canonical),
		Status:      domain.EnvelopeStatusPending,
	}, nil
}

// Canonicalize renders payload as compact JSON with object keys sorted at
// every depth. Numbers keep their literal form.
func Canonicalize(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

func ContextHash(payload json.RawMessage) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return hashCanonical(canonical), nil
}

// VerifyIntegrity recomputes the payload hash and compares it with the one
// fixed at construction.
func VerifyIntegrity(e domain.Envelope) bool {
	if e.ContextHash == "" || len(e.Payload) == 0 {
		return false
	}
	sum, err := ContextHash(e.Payload)
	if err != nil {
		return false
	}
	return sum == e.ContextHash
}

// PayloadType returns the "type" discriminator of the payload, or "" when absent.
func PayloadType(e domain.Envelope) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(e.Payload, &head); err != nil {
		return ""
	}
	return head.Type
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](e domain.Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", PayloadType(e), err)
	}
	return out, nil
}

func hashCanonical(canonical []byte) string {
	sum := sha3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
