// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

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
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

const testRealm = "test"

// issueTestCert mints a self-signed leaf certificate whose DNS SANs encode
// an identity.FromCertificate assertion, the same `<role>.<service>.<realm>`
// shape a real CA issues per spec.md §6.
func issueTestCert(t *testing.T, sans ...string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		DNSNames:     sans,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// newTestServer starts a Server on a loopback UDP socket and returns it
// along with its listen address. The server is torn down automatically
// when the test completes.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	serverCert := issueTestCert(t, "intermediate.relay.test")
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{"ztna-overlay"},
	}
	srv, err := NewServer(udpConn, Config{TLSConfig: tlsConf, Realm: testRealm, RequireClientCert: true}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	return srv, udpConn.LocalAddr().String()
}

// dialTestClient dials addr presenting clientCert, with datagrams enabled.
func dialTestClient(t *testing.T, addr string, clientCert tls.Certificate) *quic.Conn {
	t.Helper()
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = udpConn.Close() })

	raddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)

	transport := &quic.Transport{Conn: udpConn}
	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"ztna-overlay"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, raddr, tlsConf, &quic.Config{EnableDatagrams: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseWithError(0, "test done") })
	return conn
}

// expectKind reads the next datagram off conn and asserts its kind,
// returning the kind-stripped body.
func expectKind(t *testing.T, conn *quic.Conn, want wire.Kind) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := conn.ReceiveDatagram(ctx)
	require.NoError(t, err)
	kind, body, err := wire.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, want, kind)
	return body
}
