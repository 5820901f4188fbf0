// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package ipnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPBuildParseRoundTrip(t *testing.T) {
	src := net.ParseIP("10.100.0.1")
	dst := net.ParseIP("10.100.0.2")
	payload := []byte("HELLO_E2E_TEST")

	packet := BuildUDP(src, dst, 9999, 40000, payload)

	hdr, err := ParseIPv4Header(packet)
	require.NoError(t, err)
	assert.Equal(t, ProtoUDP, int(hdr.Protocol))
	assert.True(t, hdr.SrcIP.Equal(src.To4()))
	assert.True(t, hdr.DstIP.Equal(dst.To4()))

	srcPort, dstPort, got, err := ParseUDP(packet, hdr)
	require.NoError(t, err)
	assert.Equal(t, uint16(9999), srcPort)
	assert.Equal(t, uint16(40000), dstPort)
	assert.Equal(t, payload, got)
}

func TestParseIPv4HeaderRejectsWrongVersion(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = 0x65 // version 6
	_, err := ParseIPv4Header(buf)
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestParseIPv4HeaderRejectsShortHeaderLen(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = 0x44 // version 4, IHL 4 (< 5 words)
	_, err := ParseIPv4Header(buf)
	assert.ErrorIs(t, err, ErrHeaderTooShort)
}

func TestParseIPv4HeaderRejectsTotalLenMismatch(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = 0x45
	buf[2], buf[3] = 0xFF, 0xFF // declares 65535 bytes total
	_, err := ParseIPv4Header(buf)
	assert.ErrorIs(t, err, ErrTotalLenMismatch)
}

func TestParseUDPRejectsTooShort(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	packet := BuildUDP(src, dst, 1, 2, nil)
	hdr, err := ParseIPv4Header(packet)
	require.NoError(t, err)
	// truncate UDP payload area below the 8-byte minimum.
	truncated := packet[:hdr.HeaderLen+4]
	hdr.TotalLen = len(truncated)
	_, _, _, err = ParseUDP(truncated, hdr)
	assert.ErrorIs(t, err, ErrUDPTooShort)
}

func TestTCPBuildParseRoundTripAndChecksum(t *testing.T) {
	src := net.ParseIP("10.100.0.1")
	dst := net.ParseIP("10.100.0.2")
	payload := []byte("tcp-payload")
	flags := TCPFlags{SYN: true, ACK: true}

	packet := BuildTCP(src, dst, 1234, 80, 1000, 2000, flags, payload)

	hdr, err := ParseIPv4Header(packet)
	require.NoError(t, err)
	assert.Equal(t, ProtoTCP, int(hdr.Protocol))

	srcPort, dstPort, gotFlags, got, err := ParseTCP(packet, hdr)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), srcPort)
	assert.Equal(t, uint16(80), dstPort)
	assert.Equal(t, flags, gotFlags)
	assert.Equal(t, payload, got)
}

func TestFourTupleReversed(t *testing.T) {
	f := FourTuple{SrcIP: "10.0.0.1", SrcPort: 1, DstIP: "10.0.0.2", DstPort: 2}
	r := f.Reversed()
	assert.Equal(t, FourTuple{SrcIP: "10.0.0.2", SrcPort: 2, DstIP: "10.0.0.1", DstPort: 1}, r)
}
