package domain

import (
	"encoding/json"
	"time"
)

type QoS int

const (
	QoSFireAndForget QoS = 1
	QoSAcknowledged  QoS = 2
	QoSOrdered       QoS = 3
)

func (q QoS) Valid() bool {
	return q >= QoSFireAndForget && q <= QoSOrdered
}

// RequiresAck reports whether envelopes of this class are tracked until acknowledged.
func (q QoS) RequiresAck() bool {
	return q == QoSAcknowledged || q == QoSOrdered
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Base is the dispatch key of a fresh envelope. Lower dequeues first.
func (p Priority) Base() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 10
	case PriorityMedium:
		return 20
	default:
		return 30
	}
}

func ParsePriority(raw string) (Priority, bool) {
	p := Priority(raw)
	return p, p.Valid()
}

type EnvelopeStatus string

const (
	EnvelopeStatusPending   EnvelopeStatus = "pending"
	EnvelopeStatusSent      EnvelopeStatus = "sent"
	EnvelopeStatusDelivered EnvelopeStatus = "delivered"
	EnvelopeStatusFailed    EnvelopeStatus = "failed"
	EnvelopeStatusExpired   EnvelopeStatus = "expired"
)

// IsFinal reports whether the envelope has left its endpoint's tracking.
func (s EnvelopeStatus) IsFinal() bool {
	switch s {
	case EnvelopeStatusDelivered, EnvelopeStatusFailed, EnvelopeStatusExpired:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
	RoleClient      Role = "client"
)

type Origin struct {
	Role     Role     `json:"role"`
	ID       string   `json:"id"`
	Priority Priority `json:"priority"`
}

// Envelope is the unit exchanged between endpoints. Payload and ContextHash
// are fixed at construction; only the owning endpoint touches Status,
// RetryCount and LastSentAt.
type Envelope struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"timestamp"`
	Origin      Origin            `json:"origin"`
	Destination string            `json:"destination"`
	QoS         QoS               `json:"qos"`
	Priority    Priority          `json:"priority"`
	Payload     json.RawMessage   `json:"payload"`
	Metadata    map[string]string `json:"metadata"`
	ContextHash string            `json:"context_hash"`
	Status      EnvelopeStatus    `json:"status"`
	RetryCount  int               `json:"retry_count"`
	LastSentAt  *time.Time        `json:"last_sent_at,omitempty"`
}

func (e Envelope) Clone() Envelope {
	out := e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.LastSentAt != nil {
		t := *e.LastSentAt
		out.LastSentAt = &t
	}
	return out
}
