// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// dialLoopbackPair stands up a bare QUIC listener on loopback and dials it,
// returning the client-side connection as the relay peer under test and
// the server-side connection to inspect what the client actually sent.
func dialLoopbackPair(t *testing.T) (client, server *quic.Conn) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{SerialNumber: big.NewInt(1), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = udpConn.Close() })

	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"ztna-overlay"}}
	ln, err := (&quic.Transport{Conn: udpConn}).Listen(serverTLS, &quic.Config{EnableDatagrams: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan *quic.Conn, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err == nil {
			accepted <- conn
		}
	}()

	clientSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSock.Close() })
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"ztna-overlay"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err = (&quic.Transport{Conn: clientSock}).Dial(ctx, udpConn.LocalAddr().(*net.UDPAddr), clientTLS, &quic.Config{EnableDatagrams: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseWithError(0, "test done") })

	select {
	case server = <-accepted:
		t.Cleanup(func() { _ = server.CloseWithError(0, "test done") })
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}
	return client, server
}

func recvOne(t *testing.T, conn *quic.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := conn.ReceiveDatagram(ctx)
	require.NoError(t, err)
	return payload
}

// TestSendDueKeepalivesGatesRelayPingToInterval pins the fix for the relay
// keepalive being sent on every OnTimeout tick instead of once per
// RelayKeepaliveInterval.
func TestSendDueKeepalivesGatesRelayPingToInterval(t *testing.T) {
	client, server := dialLoopbackPair(t)

	e := NewEngine(nil, nil)
	e.relay = client
	e.registrations["echo-svc"] = &registration{serviceID: "echo-svc", state: RegAcked}

	now := time.Now()
	e.sendDueKeepalives(now)
	payload := recvOne(t, server)
	kind, body, err := wire.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, wire.KindRelayPing, kind)
	assert.Empty(t, body)

	// A second call a moment later, still inside RelayKeepaliveInterval,
	// must not send another one.
	e.sendDueKeepalives(now.Add(tickInterval))
	assert.NoError(t, client.SendDatagram([]byte{0x01, 0xFF})) // sentinel
	sentinel := recvOne(t, server)
	assert.Equal(t, []byte{0x01, 0xFF}, sentinel)

	// Past the interval, it fires again.
	e.sendDueKeepalives(now.Add(RelayKeepaliveInterval + time.Millisecond))
	payload = recvOne(t, server)
	kind, _, err = wire.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, wire.KindRelayPing, kind)
}

func TestSendDueKeepalivesSkipsRelayPingWithoutAck(t *testing.T) {
	client, server := dialLoopbackPair(t)

	e := NewEngine(nil, nil)
	e.relay = client
	e.registrations["echo-svc"] = &registration{serviceID: "echo-svc", state: RegPending}

	e.sendDueKeepalives(time.Now())

	assert.NoError(t, client.SendDatagram([]byte{0x01, 0xFF}))
	sentinel := recvOne(t, server)
	assert.Equal(t, []byte{0x01, 0xFF}, sentinel)
}
