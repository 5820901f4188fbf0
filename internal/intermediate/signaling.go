// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// pendingSignal tracks one in-flight candidate-offer so the matching
// candidate-answer can be routed back to the originating Agent and
// checked against the Connector ownership rule in spec.md §4.3.
type pendingSignal struct {
	serviceID string
	agentConn *quic.Conn
}

// SignalBroker relays candidate-offer/candidate-answer messages between
// an Agent and the Connector currently registered for the named service,
// per spec.md §4.3's signaling ownership rule.
type SignalBroker struct {
	mu        sync.Mutex
	bySession map[uint64]pendingSignal
	registry  *Registry
}

func newSignalBroker(registry *Registry) *SignalBroker {
	return &SignalBroker{bySession: make(map[uint64]pendingSignal), registry: registry}
}

var (
	errNoConnectorForService = errors.New("intermediate: no connector registered for service")
	errAnswerFromWrongSender = errors.New("intermediate: candidate-answer sender is not the registered connector")
	errUnknownSession        = errors.New("intermediate: candidate-answer references an unknown session")
)

// HandleOffer opens a stream to the service's connector and forwards the
// offer, recording the session so a later answer can be routed back.
func (b *SignalBroker) HandleOffer(ctx context.Context, agentConn *quic.Conn, msg wire.SignalMessage) error {
	connectorConn, ok := b.registry.Lookup(msg.ServiceID)
	if !ok {
		return errNoConnectorForService
	}
	b.mu.Lock()
	b.bySession[msg.SessionID] = pendingSignal{serviceID: msg.ServiceID, agentConn: agentConn}
	b.mu.Unlock()

	st, err := connectorConn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return wire.WriteSignal(st, msg)
}

// HandleAnswer validates that the answer's sender is the connector
// currently registered for the session's service, then forwards it to the
// originating Agent on a fresh stream.
func (b *SignalBroker) HandleAnswer(ctx context.Context, connectorConn *quic.Conn, msg wire.SignalMessage) error {
	b.mu.Lock()
	pending, ok := b.bySession[msg.SessionID]
	if ok {
		delete(b.bySession, msg.SessionID)
	}
	b.mu.Unlock()
	if !ok {
		return errUnknownSession
	}

	registered, ok := b.registry.Lookup(pending.serviceID)
	if !ok || registered != connectorConn {
		return errAnswerFromWrongSender
	}

	st, err := pending.agentConn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return wire.WriteSignal(st, msg)
}

// runSignalingStream reads one or more length-prefixed signaling messages
// off an inbound stream the peer opened, dispatching offers and answers by
// kind. It returns once the stream is closed or a framing error occurs.
func (s *Server) runSignalingStream(ctx context.Context, sender *quic.Conn, st *quic.Stream) {
	defer st.Close()
	for {
		msg, err := wire.ReadSignal(st)
		if err != nil {
			return
		}
		switch msg.Kind {
		case wire.SignalCandidateOffer:
			if err := s.signaling.HandleOffer(ctx, sender, msg); err != nil {
				log.Printf("intermediate: relay candidate-offer for %q: %v", msg.ServiceID, err)
			}
		case wire.SignalCandidateAnswer:
			if err := s.signaling.HandleAnswer(ctx, sender, msg); err != nil {
				log.Printf("intermediate: relay candidate-answer: %v", err)
			}
		default:
			log.Printf("intermediate: unknown signal kind %q", msg.Kind)
		}
	}
}
