// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"crypto/rand"
	"log"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/holepunch"
	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// TimeoutMillis reports how long the embedder may wait before calling
// OnTimeout again. It is a conservative bound, not an exact next-deadline
// computation: registration retries, keepalive cadences, and hole-punch
// session timeouts are all re-checked on every OnTimeout call regardless.
func (e *Engine) TimeoutMillis() int64 {
	return tickInterval.Milliseconds()
}

// OnTimeout fires every timer-driven action the engine owns: registration
// retries, keepalive sends and miss accounting, and hole-punch session
// expiry. It never blocks.
func (e *Engine) OnTimeout() {
	now := time.Now()
	e.maybeReconnect(now)
	e.retryRegistrations(now)
	e.sendDueKeepalives(now)
	e.expireHolePunchSessions(now)
}

func (e *Engine) retryRegistrations(now time.Time) {
	e.mu.Lock()
	relay := e.relay
	var due []*registration
	for _, reg := range e.registrations {
		if reg.DueForSend(now) {
			due = append(due, reg)
		}
	}
	e.mu.Unlock()
	if relay == nil {
		return
	}
	for _, reg := range due {
		payload, err := wire.EncodeRegistration(wire.KindAgentRegister, reg.serviceID)
		if err != nil {
			log.Printf("agent: encode registration for %q: %v", reg.serviceID, err)
			continue
		}
		if err := e.sendViaConn(relay, payload); err != nil {
			log.Printf("agent: send registration for %q: %v", reg.serviceID, err)
		}
		e.mu.Lock()
		reg.MarkSent(now)
		e.mu.Unlock()
	}
}

// sendDueKeepalives sends a relay-wide keepalive once any service has
// acked and RelayKeepaliveInterval has elapsed since the last one, and a
// per-service direct keepalive for every nominated path on its own
// DirectKeepaliveInterval cadence. A direct path that misses its expected
// reply window before the next send is counted as a missed keepalive.
func (e *Engine) sendDueKeepalives(now time.Time) {
	e.mu.Lock()
	relay := e.relay
	anyAcked := false
	for _, reg := range e.registrations {
		if reg.state == RegAcked {
			anyAcked = true
			break
		}
	}
	relayDue := e.lastRelayKeepSent.IsZero() || now.Sub(e.lastRelayKeepSent) >= RelayKeepaliveInterval
	type directSend struct {
		serviceID string
		conn      *quic.Conn
	}
	var sends []directSend
	for id, p := range e.paths {
		if p.path != PathDirect {
			continue
		}
		conn, ok := e.directConns[id]
		if !ok {
			continue
		}
		if !p.lastKeepSent.IsZero() && now.Sub(p.lastKeepSent) < DirectKeepaliveInterval {
			continue
		}
		// A prior send with no reply by the time the next one falls due
		// counts as a missed keepalive.
		if !p.lastKeepSent.IsZero() && p.lastKeepRecv.Before(p.lastKeepSent) {
			p.RecordKeepaliveMissed()
		}
		sends = append(sends, directSend{serviceID: id, conn: conn})
	}
	e.mu.Unlock()

	if relay != nil && anyAcked && relayDue {
		if err := e.sendViaConn(relay, wire.EncodeRelayPing()); err == nil {
			e.mu.Lock()
			e.lastRelayKeepSent = now
			e.mu.Unlock()
		}
	}
	for _, s := range sends {
		nonce, err := randomNonce()
		if err != nil {
			continue
		}
		payload := wire.EncodeKeepalive(nonce)
		if err := s.conn.SendDatagram(payload); err != nil {
			continue
		}
		e.mu.Lock()
		if p, ok := e.paths[s.serviceID]; ok {
			p.RecordKeepaliveSent(now)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) expireHolePunchSessions(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sess := range e.sessions {
		if sess.State() == holepunch.Nominated || sess.State() == holepunch.Failed {
			continue
		}
		if sess.Expired() {
			sess.Fail()
			log.Printf("agent: hole-punch session for %q timed out", id)
		}
	}
}

func randomNonce() ([4]byte, error) {
	var b [4]byte
	_, err := rand.Read(b[:])
	return b, err
}
