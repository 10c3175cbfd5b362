package mesh

import (
	"context"
	"errors"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

// CreateOffer starts a new connection as initiator. Hand the offer to the
// other peer out of band and pass its answer to AcceptAnswer.
func (m *Manager) CreateOffer(ctx context.Context) (Offer, error) {
	key := newKey(prefixTemp)
	ctx, span := m.tracer.startNegotiation(ctx, SpanCreateOffer, key, "")
	offer, err := m.offer(ctx, key, "create offer")
	endSpan(span, err)
	return offer, err
}

func (m *Manager) offer(ctx context.Context, key, op string) (Offer, error) {
	e, err := m.newLink(key, true)
	if err != nil {
		return Offer{}, &NegotiationError{Op: op, Key: key, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()

	desc, err := e.link.CreateOffer(ctx)
	if err != nil {
		m.discard(e, op, err)
		return Offer{}, &NegotiationError{Op: op, Key: key, Err: err}
	}

	m.mu.Lock()
	e.awaitingAnswer = true
	m.mu.Unlock()

	m.logger.Debugf("Created offer %s", key)
	return Offer{Key: key, Description: desc}, nil
}

// AcceptOffer answers a remote offer on a new responder link.
func (m *Manager) AcceptOffer(ctx context.Context, offer transport.Description) (Offer, error) {
	key := newKey(prefixTemp)
	ctx, span := m.tracer.startNegotiation(ctx, SpanAcceptOffer, key, "")
	answer, err := m.answer(ctx, key, "accept offer", "", offer)
	endSpan(span, err)
	return answer, err
}

func (m *Manager) answer(ctx context.Context, key, op, relayFrom string, offer transport.Description) (Offer, error) {
	if offer.Type != transport.SDPOffer {
		return Offer{}, &NegotiationError{Op: op, Key: key, Err: transport.ErrUnknownDescription}
	}

	e, err := m.newLink(key, false)
	if err != nil {
		return Offer{}, &NegotiationError{Op: op, Key: key, Err: err}
	}
	if relayFrom != "" {
		m.mu.Lock()
		e.relayTarget = relayFrom
		if _, ok := m.relayTargets[relayFrom]; !ok {
			m.relayTargets[relayFrom] = e.handle
		}
		m.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()

	desc, err := e.link.CreateAnswer(ctx, offer)
	if err != nil {
		m.discard(e, op, err)
		return Offer{}, &NegotiationError{Op: op, Key: key, Err: err}
	}

	m.logger.Debugf("Created answer %s", key)
	return Offer{Key: key, Description: desc}, nil
}

// AcceptAnswer completes the pending initiator link created under key.
func (m *Manager) AcceptAnswer(key string, answer transport.Description) error {
	_, span := m.tracer.startNegotiation(context.Background(), SpanApplyAnswer, key, "")
	err := m.acceptAnswer(key, answer)
	endSpan(span, err)
	return err
}

func (m *Manager) acceptAnswer(key string, answer transport.Description) error {
	if answer.Type != transport.SDPAnswer {
		return &NegotiationError{Op: "accept answer", Key: key, Err: transport.ErrUnknownDescription}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	h, ok := m.pending[key]
	e := m.entries[h]
	if !ok || e == nil || !e.awaitingAnswer {
		m.mu.Unlock()
		return ErrUnknownKey
	}
	e.awaitingAnswer = false
	m.mu.Unlock()

	return m.applyAnswer(e, "accept answer", answer)
}

func (m *Manager) applyAnswer(e *entry, op string, answer transport.Description) error {
	if err := e.link.ApplyAnswer(answer); err != nil {
		m.discard(e, op, err)
		return &NegotiationError{Op: op, Key: e.key, Err: err}
	}
	return nil
}

// Await blocks until the link created under key finished its handshake or
// failed. The key must still belong to a live link when Await is called.
func (m *Manager) Await(ctx context.Context, key string) (Identity, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Identity{}, ErrClosed
	}
	e := m.entryByKeyLocked(key)
	m.mu.Unlock()
	if e == nil {
		return Identity{}, ErrUnknownKey
	}

	select {
	case <-e.outcome.done:
		return e.outcome.peer, e.outcome.err
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	case <-m.done:
		// shutdown resolves pending outcomes before closing done
		select {
		case <-e.outcome.done:
			return e.outcome.peer, e.outcome.err
		default:
			return Identity{}, ErrClosed
		}
	}
}

// IsNegotiationError reports whether err came from a failed connection
// attempt.
func IsNegotiationError(err error) bool {
	var nerr *NegotiationError
	return errors.As(err, &nerr)
}
