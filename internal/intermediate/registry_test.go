// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

import (
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn returns an opaque, never-dialed *quic.Conn usable only as a
// distinct pointer identity. Registry only compares and stores these
// pointers, except when a registration displaces an existing connector,
// where it logs that connector's RemoteAddr (see
// TestRegistryRegisterDisplacesExisting).
func fakeConn() *quic.Conn {
	return new(quic.Conn)
}

func TestRegistryLookupMiss(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("echo-svc")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	conn := fakeConn()
	r.Register("echo-svc", conn)

	got, ok := r.Lookup("echo-svc")
	require.True(t, ok)
	assert.True(t, got == conn)
	assert.Equal(t, 1, r.Count())
}

// TestRegistryRegisterDisplacesExisting uses real dialed connections, not
// fakeConn: Register logs the displaced connector's RemoteAddr, which a
// never-dialed *quic.Conn cannot answer.
func TestRegistryRegisterDisplacesExisting(t *testing.T) {
	_, addr := newTestServer(t)
	first := dialTestClient(t, addr, issueTestCert(t, "connector.echo-svc.test"))
	second := dialTestClient(t, addr, issueTestCert(t, "connector.echo-svc.test"))

	r := NewRegistry()
	r.Register("echo-svc", first)
	r.Register("echo-svc", second)

	got, ok := r.Lookup("echo-svc")
	require.True(t, ok)
	assert.True(t, got == second)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRemoveConnDropsOnlyItsOwnServices(t *testing.T) {
	r := NewRegistry()
	a := fakeConn()
	b := fakeConn()
	r.Register("echo-svc", a)
	r.Register("billing-api", a)
	r.Register("metrics-svc", b)

	r.RemoveConn(a)

	_, ok := r.Lookup("echo-svc")
	assert.False(t, ok)
	_, ok = r.Lookup("billing-api")
	assert.False(t, ok)
	got, ok := r.Lookup("metrics-svc")
	require.True(t, ok)
	assert.True(t, got == b)
	assert.Equal(t, 1, r.Count())
}
