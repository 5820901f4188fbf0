// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package connector implements the App Connector: it registers service ids
// with the Intermediate, decapsulates overlay IP packets into local TCP/UDP
// traffic against a configured backend, and re-encapsulates replies.
package connector

import (
	"net"
	"sync"
	"time"

	"github.com/hfyeomans/ztna-agent-sub002/internal/ipnet"
)

// FlowState tracks a TCP flow's lifecycle, per spec.md §3's "Flow entry
// (Connector)" description. UDP flows carry no state beyond existing.
type FlowState int

const (
	FlowConnecting FlowState = iota
	FlowEstablished
	FlowHalfClosed
)

// udpIdleTimeout and tcpIdleTimeout bound how long a flow entry survives
// without traffic before the reaper destroys it.
const (
	udpIdleTimeout = 60 * time.Second
	tcpIdleTimeout = 5 * time.Minute
)

// flow is one entry in the Connector's flow table, keyed by the strict
// 4-tuple parsed from the innermost header (spec.md §9: no "first entry
// wins" shortcut).
type flow struct {
	mu sync.Mutex

	key          ipnet.FourTuple
	proto        byte
	backendConn  net.Conn
	state        FlowState
	lastActivity time.Time
	tcpSeq       uint32
	tcpAck       uint32
}

func newFlow(key ipnet.FourTuple, proto byte) *flow {
	return &flow{key: key, proto: proto, state: FlowConnecting, lastActivity: time.Now()}
}

func (f *flow) touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *flow) idleSince() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastActivity)
}

func (f *flow) setState(s FlowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *flow) getState() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// FlowTable owns every live flow. It is the Connector's single authority
// over flow lifecycle, per spec.md §6's shared-resource policy: the flow
// table is owned by the Connector and mutated only from its own goroutines.
type FlowTable struct {
	mu    sync.Mutex
	flows map[ipnet.FourTuple]*flow
}

// NewFlowTable constructs an empty table.
func NewFlowTable() *FlowTable {
	return &FlowTable{flows: make(map[ipnet.FourTuple]*flow)}
}

// LookupOrCreate returns the existing flow for key, or creates and inserts
// a new one if none exists yet.
func (t *FlowTable) LookupOrCreate(key ipnet.FourTuple, proto byte) (f *flow, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.flows[key]; ok {
		return existing, false
	}
	f = newFlow(key, proto)
	t.flows[key] = f
	return f, true
}

// Remove deletes the flow entry for key, called on FIN/RST or idle expiry.
func (t *FlowTable) Remove(key ipnet.FourTuple) {
	t.mu.Lock()
	delete(t.flows, key)
	t.mu.Unlock()
}

// ReapIdle destroys every flow that has exceeded its protocol's idle
// threshold, closing its backend connection if one is open.
func (t *FlowTable) ReapIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, f := range t.flows {
		limit := udpIdleTimeout
		if f.proto == ipnet.ProtoTCP {
			limit = tcpIdleTimeout
		}
		if f.idleSince() <= limit {
			continue
		}
		if f.backendConn != nil {
			_ = f.backendConn.Close()
		}
		delete(t.flows, key)
	}
}

// Count reports the number of live flows, for metrics.
func (t *FlowTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}
