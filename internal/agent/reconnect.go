// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"context"
	"log"
	"time"
)

// maybeReconnect redials the relay once the current exponential backoff
// delay has elapsed, per spec.md §4.2's "reconnect loop with exponential
// backoff" (1s doubling to a 30s ceiling). It is called from OnTimeout so
// the embedder never needs a dedicated reconnect thread.
func (e *Engine) maybeReconnect(now time.Time) {
	e.mu.Lock()
	if e.state != StateError && e.state != StateDisconnected {
		e.mu.Unlock()
		return
	}
	if e.relayAddr == nil || e.transport == nil {
		e.mu.Unlock()
		return
	}
	if now.Before(e.reconnectDueAt) {
		e.mu.Unlock()
		return
	}
	delay := e.reconnect.Next()
	e.reconnectDueAt = now.Add(delay)
	relayAddr := e.relayAddr
	transport := e.transport
	tlsConf := e.tlsConf
	quicConf := e.quicConf
	e.state = StateConnecting
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, relayAddr, tlsConf, quicConf)
	if err != nil {
		log.Printf("agent: reconnect to relay failed, retrying in %s: %v", delay, err)
		e.mu.Lock()
		e.state = StateError
		e.lastErr = err
		e.mu.Unlock()
		return
	}

	relayCtx, stop := context.WithCancel(context.Background())
	e.mu.Lock()
	e.relay = conn
	e.relayCtx = relayCtx
	e.relayStop = stop
	e.state = StateConnected
	e.reconnect.Reset()
	for _, reg := range e.registrations {
		reg.state = RegPending
		reg.attempt = 0
	}
	e.mu.Unlock()

	go e.pumpRelayDatagrams(conn, relayCtx)
}
