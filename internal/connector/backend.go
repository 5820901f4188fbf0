// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package connector

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/hfyeomans/ztna-agent-sub002/internal/support"
)

// backendDialTimeout bounds a single TCP connect attempt to the local
// backend, per spec.md §4.4's "non-blocking TCP connect ... registered with
// the event loop so completion is event-driven" requirement: the dial runs
// off the datagram-handling goroutine and only ever blocks its own
// goroutine, never the Connector's receive path.
const backendDialTimeout = 5 * time.Second

// dialBackendTCP opens a TCP connection to addr in the background and
// delivers the flow once established, streaming backend reads back through
// onReply. It never blocks the caller.
func (c *Connector) dialBackendTCP(f *flow, addr string, onReply func(payload []byte)) {
	go func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), backendDialTimeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			log.Printf("connector: backend dial %s for flow %+v: %v", addr, f.key, err)
			if c.metrics != nil {
				c.metrics.BackendErrors.Inc()
			}
			c.flows.Remove(f.key)
			return
		}

		f.mu.Lock()
		f.backendConn = conn
		f.state = FlowEstablished
		f.mu.Unlock()

		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				onReply(append([]byte(nil), buf[:n]...))
				f.touch()
			}
			if err != nil {
				if !support.IsBenignCopyError(err) {
					log.Printf("connector: backend read for flow %+v: %v", f.key, err)
				}
				f.setState(FlowHalfClosed)
				return
			}
		}
	}()
}

// writeBackendTCP forwards payload to the flow's backend socket,
// established asynchronously by dialBackendTCP.
func (c *Connector) writeBackendTCP(f *flow, payload []byte) {
	f.mu.Lock()
	conn := f.backendConn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(payload); err != nil && !support.IsBenignCopyError(err) {
		log.Printf("connector: backend write for flow %+v: %v", f.key, err)
		if c.metrics != nil {
			c.metrics.BackendErrors.Inc()
		}
	}
}

// closeBackendWrite half-closes the backend socket's write side on an
// overlay-side FIN, per spec.md §4.4.
func (c *Connector) closeBackendWrite(f *flow) {
	f.mu.Lock()
	conn := f.backendConn
	f.state = FlowHalfClosed
	f.mu.Unlock()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// backendUDPSocket is a single shared, non-blocking UDP socket used for
// every UDP flow to a given backend address, matching spec.md §4.4's
// "non-blocking UDP socket ... registered with the event loop" description
// and the single-reused-receive-buffer requirement in §4.4's local-socket
// safety note.
type backendUDPSocket struct {
	conn      *net.UDPConn
	backendIP net.IP
	recvBuf   []byte
}

func newBackendUDPSocket(backendAddr *net.UDPAddr) (*backendUDPSocket, error) {
	conn, err := net.DialUDP("udp", nil, backendAddr)
	if err != nil {
		return nil, err
	}
	return &backendUDPSocket{conn: conn, backendIP: backendAddr.IP, recvBuf: make([]byte, 64*1024)}, nil
}

func (s *backendUDPSocket) send(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

// recvLoop reads backend replies into the single reused buffer and hands
// each datagram to onReply, dropping anything not from the configured
// backend IP (spec.md §4.4's local-socket-safety rule).
func (s *backendUDPSocket) recvLoop(onReply func(payload []byte, from *net.UDPAddr), onSpoofed func()) {
	for {
		n, from, err := s.conn.ReadFromUDP(s.recvBuf)
		if err != nil {
			return
		}
		if !from.IP.Equal(s.backendIP) {
			if onSpoofed != nil {
				onSpoofed()
			}
			log.Printf("connector: dropping udp reply from unconfigured source %s", from)
			continue
		}
		onReply(append([]byte(nil), s.recvBuf[:n]...), from)
	}
}
