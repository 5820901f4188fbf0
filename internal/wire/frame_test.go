// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateServiceID(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"ok", "echo-service", nil},
		{"empty", "", ErrEmptyServiceID},
		{"too long", string(make([]byte, 256)), ErrServiceIDTooLong},
		{"max ok", string(make([]byte, 255)), nil},
		{"invalid utf8", string([]byte{0xff, 0xfe}), ErrInvalidUTF8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateServiceID(tc.id)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestObservedAddressRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51820}
	datagram, err := EncodeObservedAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, byte(KindObservedAddress), datagram[0])

	kind, payload, err := Decode(datagram)
	require.NoError(t, err)
	assert.Equal(t, KindObservedAddress, kind)

	got, err := DecodeObservedAddress(payload)
	require.NoError(t, err)
	assert.True(t, got.IP.Equal(addr.IP.To4()))
	assert.Equal(t, uint16(51820), got.Port)
}

func TestObservedAddressRejectsIPv6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}
	_, err := EncodeObservedAddress(addr)
	assert.ErrorIs(t, err, ErrIPv6Unsupported)
}

func TestRegistrationRoundTrip(t *testing.T) {
	datagram, err := EncodeRegistration(KindAgentRegister, "echo-service")
	require.NoError(t, err)

	kind, payload, err := Decode(datagram)
	require.NoError(t, err)
	assert.Equal(t, KindAgentRegister, kind)

	id, err := DecodeRegistration(payload)
	require.NoError(t, err)
	assert.Equal(t, "echo-service", id)
}

func TestDecodeRegistrationRejectsTruncated(t *testing.T) {
	// declared length 255 but only 4 payload bytes, per spec.md §8 scenario 4.
	payload := append([]byte{255}, []byte("abcd")...)
	_, err := DecodeRegistration(payload)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRegistrationRejectsZeroLength(t *testing.T) {
	_, err := DecodeRegistration([]byte{0})
	assert.ErrorIs(t, err, ErrEmptyServiceID)
}

func TestRegisterACKAndNACKRoundTrip(t *testing.T) {
	ack, err := EncodeRegisterACK("svc")
	require.NoError(t, err)
	kind, payload, err := Decode(ack)
	require.NoError(t, err)
	assert.Equal(t, KindRegisterACK, kind)
	id, err := DecodeRegistration(payload)
	require.NoError(t, err)
	assert.Equal(t, "svc", id)

	nack, err := EncodeRegisterNACK("svc", NACKUnauthorized)
	require.NoError(t, err)
	kind, payload, err = Decode(nack)
	require.NoError(t, err)
	assert.Equal(t, KindRegisterNACK, kind)
	gotID, reason, err := DecodeRegisterNACK(payload)
	require.NoError(t, err)
	assert.Equal(t, "svc", gotID)
	assert.Equal(t, NACKUnauthorized, reason)
}

func TestServiceRoutedPacketRoundTrip(t *testing.T) {
	inner := []byte{1, 2, 3, 4, 5}
	datagram, err := EncodeServiceRoutedPacket("svc-a", inner)
	require.NoError(t, err)

	kind, payload, err := Decode(datagram)
	require.NoError(t, err)
	assert.Equal(t, KindServiceRoutedPacket, kind)

	id, got, err := DecodeServiceRoutedPacket(payload)
	require.NoError(t, err)
	assert.Equal(t, "svc-a", id)
	assert.Equal(t, inner, got)
}

func TestDecodeServiceRoutedPacketRejectsZeroLengthServiceID(t *testing.T) {
	payload := append([]byte{0}, []byte{9, 9}...)
	_, _, err := DecodeServiceRoutedPacket(payload)
	assert.ErrorIs(t, err, ErrEmptyServiceID)
}

func TestDecodeServiceRoutedPacketRejectsOverrun(t *testing.T) {
	payload := []byte{10, 'a', 'b'} // declares 10 bytes of service id, only 2 present
	_, _, err := DecodeServiceRoutedPacket(payload)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownKindIsDropped(t *testing.T) {
	for b := 0; b < 256; b++ {
		switch Kind(b) {
		case KindObservedAddress, KindAgentRegister, KindConnectorRegister,
			KindRegisterACK, KindRegisterNACK, KindPathKeepalive, KindRelayPing,
			KindServiceRoutedPacket:
			continue
		}
		_, _, err := Decode([]byte{byte(b), 0, 0})
		assert.ErrorIs(t, err, ErrUnknownKind, "byte %#x should be rejected", b)
	}
}

func TestKeepaliveRoundTrip(t *testing.T) {
	nonce := [4]byte{0xDE, 0xAD, 0xBE, 0xEF}
	datagram := EncodeKeepalive(nonce)
	kind, payload, err := Decode(datagram)
	require.NoError(t, err)
	assert.Equal(t, KindPathKeepalive, kind)
	got, err := DecodeKeepalive(payload)
	require.NoError(t, err)
	assert.Equal(t, nonce, got)
}

func TestRelayPingIsZeroPayload(t *testing.T) {
	datagram := EncodeRelayPing()
	assert.Len(t, datagram, 1)
	kind, payload, err := Decode(datagram)
	require.NoError(t, err)
	assert.Equal(t, KindRelayPing, kind)
	assert.Empty(t, payload)
}
