// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package intermediate implements the relay/rendezvous server: it accepts
// QUIC connections from Agents and Connectors, relays service-tagged
// datagrams between them, and brokers the signaling used for hole punching.
package intermediate

import (
	"log"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// connectorRecord is one registered Connector for a service id. Only one
// Connector may hold a service at a time, per spec.md §3's "single
// connector per service" invariant; a new registration displaces the old
// one.
type connectorRecord struct {
	serviceID    string
	conn         *quic.Conn
	registeredAt time.Time
}

// Registry is the service-id -> Connector mapping the Intermediate
// consults when relaying 0x2F traffic and signaling. It is safe for
// concurrent use: every connection's datagram-handling goroutine may call
// into it.
type Registry struct {
	mu        sync.Mutex
	byService map[string]*connectorRecord
}

func NewRegistry() *Registry {
	return &Registry{byService: make(map[string]*connectorRecord)}
}

// Register installs conn as the connector serving serviceID. An existing
// entry is displaced and logged at warn, per spec.md §4.3.
func (r *Registry) Register(serviceID string, conn *quic.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byService[serviceID]; ok && existing.conn != conn {
		log.Printf(
			"intermediate: service %q re-registered, displacing connector at %s",
			serviceID, existing.conn.RemoteAddr(),
		)
	}
	r.byService[serviceID] = &connectorRecord{serviceID: serviceID, conn: conn, registeredAt: time.Now()}
}

// Lookup returns the connector currently registered for serviceID.
func (r *Registry) Lookup(serviceID string) (*quic.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byService[serviceID]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// Count returns the number of services currently holding a registered
// connector.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byService)
}

// RemoveConn drops every service entry currently pointing at conn, called
// when that Connector's connection closes.
func (r *Registry) RemoveConn(conn *quic.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.byService {
		if rec.conn == conn {
			delete(r.byService, id)
		}
	}
}
