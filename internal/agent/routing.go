// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"net"
	"sync"
)

// RouteTable maps a virtual service IP to the service id the Agent should
// address outbound packets to (spec.md §4.2: "a small, externally-supplied
// route table"). It is supplied and mutated by the embedder, independent of
// the engine's own connection state.
type RouteTable struct {
	mu   sync.RWMutex
	byIP map[string]string
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{byIP: make(map[string]string)}
}

// Set installs or replaces the service id routed to for virtualIP.
func (t *RouteTable) Set(virtualIP net.IP, serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIP[virtualIP.String()] = serviceID
}

// Delete removes a route, if present.
func (t *RouteTable) Delete(virtualIP net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byIP, virtualIP.String())
}

// Lookup returns the service id routed for dstIP, or "", false if the
// destination has no configured route — in which case spec.md §4.2 says
// the datagram is emitted raw over the legacy relay-only path.
func (t *RouteTable) Lookup(dstIP net.IP) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byIP[dstIP.String()]
	return id, ok
}
