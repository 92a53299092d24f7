package endpoint

import (
	"context"
	"time"

	"agentlink/internal/domain"
	"agentlink/internal/messaging"
)

func (e *Endpoint) outgoingLoop(ctx context.Context) error {
	for {
		env, ok := e.next(ctx)
		if !ok {
			return nil
		}
		e.deliver(ctx, env)
	}
}

// next blocks until an envelope is ready to leave, waking early when Send
// signals or a parked envelope becomes due.
func (e *Endpoint) next(ctx context.Context) (*domain.Envelope, bool) {
	for {
		now := time.Now()
		e.mu.Lock()
		e.out.promote(now)
		env, ok := e.out.pop()
		wait := e.cfg.IdleWait
		if due, parked := e.out.nextDue(now); parked && due < wait {
			wait = due
		}
		e.mu.Unlock()
		if ok {
			return env, true
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Endpoint) deliver(ctx context.Context, env *domain.Envelope) {
	addr, routed := e.route(env.Destination)

	e.mu.Lock()
	if env.Status.IsFinal() {
		// acked or expired while it sat in the queue
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	env.LastSentAt = &now
	wire := env.Clone()
	wire.Status = domain.EnvelopeStatusSent
	e.mu.Unlock()

	var err error
	if !routed {
		err = ErrNotRoutable
	} else {
		var data []byte
		data, err = messaging.Marshal(wire)
		if err == nil {
			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			err = e.transport.Send(sendCtx, addr, data)
			cancel()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.counters.sent.Add(1)
		if env.Status.IsFinal() {
			return
		}
		env.Status = domain.EnvelopeStatusSent
		if !env.QoS.RequiresAck() {
			e.finish(env, domain.EnvelopeStatusSent)
		}
		return
	}

	if ctx.Err() != nil {
		// shutting down; leave it queued for a snapshot
		e.out.push(env, time.Now())
		return
	}
	if env.RetryCount < e.cfg.MaxRetries {
		env.RetryCount++
		env.Status = domain.EnvelopeStatusPending
		e.counters.retried.Add(1)
		delay := e.backoff(env.RetryCount)
		e.out.park(env, time.Now().Add(delay))
		e.logger.Warn("send failed, retrying",
			"envelope_id", env.ID,
			"destination", env.Destination,
			"retry", env.RetryCount,
			"delay", delay,
			"error", err,
		)
		return
	}
	e.counters.failed.Add(1)
	e.finish(env, domain.EnvelopeStatusFailed)
	e.logger.Error("send failed, retries exhausted",
		"envelope_id", env.ID,
		"destination", env.Destination,
		"retries", env.RetryCount,
		"error", err,
	)
}

func (e *Endpoint) backoff(retry int) time.Duration {
	delay := e.cfg.RetryDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return delay
}

func (e *Endpoint) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if requeued := e.sweep(time.Now()); requeued > 0 {
				e.notify()
			}
		}
	}
}

// sweep re-sends or expires envelopes whose ack did not arrive within
// MessageTimeout. It returns how many were re-queued.
func (e *Endpoint) sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	requeued := 0
	for _, env := range e.pending {
		if env.Status != domain.EnvelopeStatusSent || env.LastSentAt == nil {
			continue
		}
		if now.Sub(*env.LastSentAt) <= e.cfg.MessageTimeout {
			continue
		}
		if env.RetryCount < e.cfg.MaxRetries {
			env.RetryCount++
			env.Status = domain.EnvelopeStatusPending
			e.counters.retried.Add(1)
			e.out.push(env, now)
			requeued++
			e.logger.Debug("ack timeout, re-sending",
				"envelope_id", env.ID,
				"destination", env.Destination,
				"retry", env.RetryCount,
			)
			continue
		}
		e.counters.expired.Add(1)
		e.finish(env, domain.EnvelopeStatusExpired)
		e.logger.Warn("ack timeout, envelope expired",
			"envelope_id", env.ID,
			"destination", env.Destination,
			"retries", env.RetryCount,
		)
	}
	return requeued
}
