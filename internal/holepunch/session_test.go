// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package holepunch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

func TestSessionHappyPathNomination(t *testing.T) {
	s, err := NewSession("echo-service")
	require.NoError(t, err)
	assert.Equal(t, Gathering, s.State())

	remote := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 5000}
	s.AddRemoteCandidate(remote)

	probes, err := s.BeginProbing()
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, Probing, s.State())

	txID, err := wire.DecodeBinding(probes[0].Datagram)
	require.NoError(t, err)
	resp := wire.EncodeBindingResponse(txID)

	addr, ok := s.HandleBindingResponse(remote, resp)
	require.True(t, ok)
	assert.Equal(t, remote, addr)
	assert.Equal(t, Nominated, s.State())

	nominated, ok := s.Nominated()
	require.True(t, ok)
	assert.Equal(t, remote, nominated)
}

func TestSessionRejectsUnknownTransaction(t *testing.T) {
	s, err := NewSession("echo-service")
	require.NoError(t, err)
	remote := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 5000}
	s.AddRemoteCandidate(remote)
	_, err = s.BeginProbing()
	require.NoError(t, err)

	bogus := wire.EncodeBindingResponse(0xDEADBEEF)
	_, ok := s.HandleBindingResponse(remote, bogus)
	assert.False(t, ok)
	assert.Equal(t, Probing, s.State())
}

func TestBeginProbingFailsWithNoCandidates(t *testing.T) {
	s, err := NewSession("echo-service")
	require.NoError(t, err)
	_, err = s.BeginProbing()
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestAddCandidateSkipsIPv6(t *testing.T) {
	s, err := NewSession("echo-service")
	require.NoError(t, err)
	s.AddLocalCandidate(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1})
	assert.Empty(t, s.LocalCandidates())

	s.AddLocalCandidate(&net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1})
	assert.Len(t, s.LocalCandidates(), 1)
}

func TestFailTransition(t *testing.T) {
	s, err := NewSession("echo-service")
	require.NoError(t, err)
	s.Fail()
	assert.Equal(t, Failed, s.State())
}
