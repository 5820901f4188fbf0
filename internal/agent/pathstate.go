// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import "time"

// Keepalive tuning from spec.md §4.2: relay keeps a 10s PING cadence,
// direct paths use a 15s nonce keepalive, and three consecutive misses on
// a direct path trigger fallback to relay.
const (
	RelayKeepaliveInterval  = 10 * time.Second
	DirectKeepaliveInterval = 15 * time.Second
	MaxMissedKeepalives     = 3
)

// servicePath tracks the active data path for one service id. The Agent
// keeps one of these per service that has gone through hole-punch
// nomination; services with no direct path simply have none and are
// implicitly relay-only.
type servicePath struct {
	serviceID    string
	path         Path
	peerAddr     string
	missed       int
	rttMillis    int64
	lastKeepSent time.Time
	lastKeepRecv time.Time
}

func newServicePath(serviceID string) *servicePath {
	return &servicePath{serviceID: serviceID, path: PathRelay}
}

// Nominate transitions a service from relay-only to direct, recording the
// nominated peer address (spec.md §4.2: "the hole-punch state machine
// nominates a peer address; the Agent begins sending data datagrams
// directly").
func (p *servicePath) Nominate(peerAddr string) {
	p.path = PathDirect
	p.peerAddr = peerAddr
	p.missed = 0
	p.lastKeepRecv = time.Now()
}

// RecordKeepaliveSent notes that a direct keepalive nonce was sent.
func (p *servicePath) RecordKeepaliveSent(at time.Time) {
	p.lastKeepSent = at
}

// RecordKeepaliveAck notes a keepalive reply, resetting the miss counter
// and computing a coarse RTT sample.
func (p *servicePath) RecordKeepaliveAck(at time.Time) {
	p.missed = 0
	p.lastKeepRecv = at
	if !p.lastKeepSent.IsZero() {
		p.rttMillis = at.Sub(p.lastKeepSent).Milliseconds()
	}
}

// RecordKeepaliveMissed increments the miss counter and falls back to
// relay once MaxMissedKeepalives is reached, per spec.md §4.2's direct ->
// relay fallback edge.
func (p *servicePath) RecordKeepaliveMissed() {
	if p.path != PathDirect {
		return
	}
	p.missed++
	if p.missed >= MaxMissedKeepalives {
		p.path = PathRelay
		p.peerAddr = ""
	}
}

// InFallback reports whether this service recently held a direct path but
// has since reverted to relay because of missed keepalives.
func (p *servicePath) InFallback() bool {
	return p.path == PathRelay && p.missed >= MaxMissedKeepalives
}

func (p *servicePath) stats() PathStats {
	return PathStats{
		MissedKeepalives: p.missed,
		RTTMillis:        p.rttMillis,
		InFallback:       p.InFallback(),
	}
}
