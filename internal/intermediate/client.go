// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

import (
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/identity"
)

// clientRecord is the connection-lifetime state spec.md §3 describes for
// "Client record (Intermediate)": the QUIC connection, its observed
// remote address, declared role, and last-activity timestamp. Owned
// entirely by the Server; destroyed on close or idle timeout. Which
// service ids and flows an Agent is actually driving lives in the
// Server's agentRouteIndex, keyed by 4-tuple rather than by connection,
// since several agents may share a wildcard-authorized service id.
type clientRecord struct {
	mu sync.Mutex

	conn         *quic.Conn
	remoteAddr   *net.UDPAddr
	identity     identity.Identity
	lastActivity time.Time
}

func newClientRecord(conn *quic.Conn, id identity.Identity) *clientRecord {
	addr, _ := conn.RemoteAddr().(*net.UDPAddr)
	return &clientRecord{
		conn:         conn,
		remoteAddr:   addr,
		identity:     id,
		lastActivity: time.Now(),
	}
}

func (c *clientRecord) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *clientRecord) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// observedAddr returns the connection's current remote address, which may
// change across a QUIC connection migration; callers compare this against
// the last QAD sent to decide whether to re-announce.
func (c *clientRecord) observedAddr() *net.UDPAddr {
	addr, _ := c.conn.RemoteAddr().(*net.UDPAddr)
	return addr
}
