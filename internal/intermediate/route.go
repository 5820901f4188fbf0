// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

import (
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/ipnet"
)

// agentRoute is one outstanding flow's claim on the agent connection that
// should receive the connector's reply for it.
type agentRoute struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// agentRouteIndex maps a service id and the innermost IP header's 4-tuple
// to the agent connection that most recently sent a 0x2F for that flow.
// relay consults it to route a connector's reply back to the one agent
// that opened the flow, per spec.md §4.3: "use the 4-tuple of the
// innermost IP header of the reply plus the connector's per-service flow
// context to select the correct agent connection." A service-level-only
// map cannot do this, since multiple agents may share a wildcard-authorized
// service id.
type agentRouteIndex struct {
	mu    sync.Mutex
	byKey map[string]map[ipnet.FourTuple]*agentRoute
}

func newAgentRouteIndex() *agentRouteIndex {
	return &agentRouteIndex{byKey: make(map[string]map[ipnet.FourTuple]*agentRoute)}
}

// record notes that conn is the agent connection currently driving the
// flow identified by tuple within serviceID.
func (idx *agentRouteIndex) record(serviceID string, tuple ipnet.FourTuple, conn *quic.Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	flows, ok := idx.byKey[serviceID]
	if !ok {
		flows = make(map[ipnet.FourTuple]*agentRoute)
		idx.byKey[serviceID] = flows
	}
	flows[tuple] = &agentRoute{conn: conn, lastUsed: time.Now()}
}

// lookup returns the agent connection recorded for serviceID/tuple.
func (idx *agentRouteIndex) lookup(serviceID string, tuple ipnet.FourTuple) (*quic.Conn, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	flows, ok := idx.byKey[serviceID]
	if !ok {
		return nil, false
	}
	route, ok := flows[tuple]
	if !ok {
		return nil, false
	}
	route.lastUsed = time.Now()
	return route.conn, true
}

// removeConn drops every flow entry pointing at conn, called once that
// agent's connection closes.
func (idx *agentRouteIndex) removeConn(conn *quic.Conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for serviceID, flows := range idx.byKey {
		for tuple, route := range flows {
			if route.conn == conn {
				delete(flows, tuple)
			}
		}
		if len(flows) == 0 {
			delete(idx.byKey, serviceID)
		}
	}
}

// reapIdle drops flow entries untouched for longer than ttl, bounding the
// index's memory against agents that stop sending without their
// connection closing.
func (idx *agentRouteIndex) reapIdle(ttl time.Duration) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	now := time.Now()
	for serviceID, flows := range idx.byKey {
		for tuple, route := range flows {
			if now.Sub(route.lastUsed) > ttl {
				delete(flows, tuple)
			}
		}
		if len(flows) == 0 {
			delete(idx.byKey, serviceID)
		}
	}
}

// innerFourTuple extracts the 4-tuple of a 0x2F payload's innermost IPv4
// header, the key relay uses on both the forward and reverse direction.
func innerFourTuple(inner []byte) (ipnet.FourTuple, error) {
	hdr, err := ipnet.ParseIPv4Header(inner)
	if err != nil {
		return ipnet.FourTuple{}, err
	}
	switch hdr.Protocol {
	case ipnet.ProtoUDP:
		srcPort, dstPort, _, err := ipnet.ParseUDP(inner, hdr)
		if err != nil {
			return ipnet.FourTuple{}, err
		}
		return ipnet.FourTuple{SrcIP: hdr.SrcIP.String(), SrcPort: srcPort, DstIP: hdr.DstIP.String(), DstPort: dstPort}, nil
	case ipnet.ProtoTCP:
		srcPort, dstPort, _, _, err := ipnet.ParseTCP(inner, hdr)
		if err != nil {
			return ipnet.FourTuple{}, err
		}
		return ipnet.FourTuple{SrcIP: hdr.SrcIP.String(), SrcPort: srcPort, DstIP: hdr.DstIP.String(), DstPort: dstPort}, nil
	default:
		return ipnet.FourTuple{}, fmt.Errorf("intermediate: unsupported inner protocol %d", hdr.Protocol)
	}
}
