package endpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"agentlink/internal/domain"
	"agentlink/internal/messaging"
)

func (e *Endpoint) incomingLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	inbox := e.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-inbox:
			if !ok {
				e.logger.Warn("transport inbox closed")
				return nil
			}
			e.receive(ctx, raw)
		case now := <-ticker.C:
			for _, env := range e.inbound.flushStale(now.Add(-e.cfg.MessageTimeout)) {
				e.dispatch(ctx, env)
			}
		}
	}
}

func (e *Endpoint) receive(ctx context.Context, raw []byte) {
	env, err := messaging.Unmarshal(raw)
	if err != nil {
		e.counters.malformed.Add(1)
		e.logger.Warn("dropping malformed envelope", "error", err)
		return
	}
	if !messaging.VerifyIntegrity(env) {
		e.counters.integrity.Add(1)
		e.logger.Warn("dropping envelope with bad context hash",
			"envelope_id", env.ID,
			"origin", env.Origin.ID,
		)
		return
	}
	e.counters.received.Add(1)

	if messaging.PayloadType(env) == domain.PayloadAck {
		e.handleAck(env)
		return
	}
	if env.QoS.RequiresAck() {
		e.acknowledge(env)
	}

	if env.QoS == domain.QoSOrdered {
		if e.seen.Seen(env.ID) {
			e.counters.duplicates.Add(1)
			return
		}
		if seq, err := strconv.ParseUint(env.Metadata[metaSeq], 10, 64); err == nil && seq > 0 {
			ready, duplicate := e.inbound.accept(env, seq, time.Now())
			if duplicate {
				e.counters.duplicates.Add(1)
				return
			}
			for _, next := range ready {
				e.dispatch(ctx, next)
			}
			return
		}
	}
	e.dispatch(ctx, env)
}

func (e *Endpoint) acknowledge(env domain.Envelope) {
	ack := domain.AckPayload{
		Type:       domain.PayloadAck,
		OriginalID: env.ID,
		Status:     string(domain.EnvelopeStatusDelivered),
	}
	if _, err := e.enqueue(env.Origin.ID, ack, domain.QoSFireAndForget, domain.PriorityHigh, nil); err != nil {
		e.logger.Warn("cannot acknowledge envelope",
			"envelope_id", env.ID,
			"origin", env.Origin.ID,
			"error", err,
		)
	}
}

func (e *Endpoint) handleAck(env domain.Envelope) {
	ack, err := messaging.DecodePayload[domain.AckPayload](env)
	if err != nil {
		e.counters.malformed.Add(1)
		e.logger.Warn("dropping malformed ack", "envelope_id", env.ID, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	original, ok := e.pending[ack.OriginalID]
	if !ok {
		return
	}
	e.finish(original, domain.EnvelopeStatusDelivered)
	e.counters.delivered.Add(1)
	if original.LastSentAt != nil {
		sample := time.Since(*original.LastSentAt).Seconds()
		e.latency = 0.9*e.latency + 0.1*sample
	}
}

func (e *Endpoint) dispatch(ctx context.Context, env domain.Envelope) {
	payloadType := messaging.PayloadType(env)
	if e.cfg.Policy != nil {
		if allowed, reason := e.cfg.Policy.CanMessage(env.Origin, payloadType); !allowed {
			e.counters.denied.Add(1)
			e.logger.Warn("envelope denied by policy",
				"payload_type", payloadType,
				"envelope_id", env.ID,
				"origin", env.Origin.ID,
				"reason", reason,
			)
			return
		}
	}
	h, ok := e.handler(payloadType)
	if !ok {
		e.counters.unhandled.Add(1)
		e.logger.Warn("no handler registered",
			"payload_type", payloadType,
			"envelope_id", env.ID,
			"origin", env.Origin.ID,
		)
		return
	}
	if err := invoke(ctx, h, env); err != nil {
		e.counters.handlerErrors.Add(1)
		e.logger.Error("handler failed",
			"payload_type", payloadType,
			"envelope_id", env.ID,
			"origin", env.Origin.ID,
			"error", err,
		)
	}
}

func invoke(ctx context.Context, h Handler, env domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
