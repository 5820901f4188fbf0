// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package main

import (
	"net"
	"sync"
)

// loopbackPacketSource stands in for the OS tunnel-provider interface this
// binary embeds the engine into: spec.md describes the Agent as an
// in-process component an external tunnel provider drives via
// send_datagram/poll; here, a UDP socket a test harness can write inner IP
// packets to (and read replies from) plays that role.
type loopbackPacketSource struct {
	conn *net.UDPConn

	mu       sync.Mutex
	lastPeer *net.UDPAddr
}

func newLoopbackPacketSource() (*loopbackPacketSource, error) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &loopbackPacketSource{conn: conn}, nil
}

func (s *loopbackPacketSource) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *loopbackPacketSource) ReadPacket(buf []byte) (int, *net.UDPAddr, error) {
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	s.mu.Lock()
	s.lastPeer = from
	s.mu.Unlock()
	return n, from, nil
}

// WriteLastPeer returns a decapsulated packet to whichever harness peer
// most recently sent one in. There is exactly one in flight at a time in
// this reference embedder, matching spec.md §8's single-flow testable
// properties.
func (s *loopbackPacketSource) WriteLastPeer(data []byte) error {
	s.mu.Lock()
	peer := s.lastPeer
	s.mu.Unlock()
	if peer == nil {
		return nil
	}
	_, err := s.conn.WriteToUDP(data, peer)
	return err
}

func (s *loopbackPacketSource) Close() error { return s.conn.Close() }
