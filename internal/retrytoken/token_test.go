// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package retrytoken

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 55555}
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	token, err := secret.Seal(addr, dcid)
	require.NoError(t, err)

	got, err := secret.Open(token, addr)
	require.NoError(t, err)
	assert.Equal(t, dcid, got)
}

func TestOpenRejectsAddressMismatch(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 55555}
	token, err := secret.Seal(addr, []byte{1})

	other := &net.UDPAddr{IP: net.ParseIP("203.0.113.10"), Port: 55555}
	_, err = secret.Open(token, other)
	assert.ErrorIs(t, err, ErrAddressMismatch)
}

func TestOpenRejectsTamperedToken(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 55555}
	token, err := secret.Seal(addr, []byte{1})
	require.NoError(t, err)
	token[len(token)-1] ^= 0xFF

	_, err = secret.Open(token, addr)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	secretA, err := NewSecret()
	require.NoError(t, err)
	secretB, err := NewSecret()
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 55555}
	token, err := secretA.Seal(addr, []byte{9})
	require.NoError(t, err)

	_, err = secretB.Open(token, addr)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsExpiredToken(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 55555}

	plaintext := encodePlaintext(addr, []byte{1}, time.Now().Add(-2*TTL))
	nonce := make([]byte, secret.aead.NonceSize())
	sealed := secret.aead.Seal(nil, nonce, plaintext, nil)
	token := append(append([]byte{}, nonce...), sealed...)

	_, err = secret.Open(token, addr)
	assert.ErrorIs(t, err, ErrExpired)
}
