// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package wire implements the overlay DATAGRAM and signaling-stream framing
// shared by the Agent, Intermediate, and Connector.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"unicode/utf8"
)

// Kind identifies the first byte of every overlay DATAGRAM.
type Kind byte

const (
	KindObservedAddress      Kind = 0x01
	KindAgentRegister        Kind = 0x10
	KindConnectorRegister    Kind = 0x11
	KindRegisterACK          Kind = 0x12
	KindRegisterNACK         Kind = 0x13
	KindPathKeepalive        Kind = 0x20
	KindRelayPing            Kind = 0x21
	KindServiceRoutedPacket  Kind = 0x2F
)

// MaxServiceIDLen is the largest permitted service identifier, in bytes.
const MaxServiceIDLen = 255

// NACK reason codes carried by the single byte following a 0x13 frame.
type NACKReason byte

const (
	NACKUnauthorized   NACKReason = 0x01
	NACKMalformed      NACKReason = 0x02
	NACKAlreadyPending NACKReason = 0x03
)

var (
	ErrTruncated       = errors.New("wire: datagram truncated")
	ErrUnknownKind     = errors.New("wire: unknown datagram kind")
	ErrEmptyServiceID  = errors.New("wire: empty service id")
	ErrServiceIDTooLong = errors.New("wire: service id exceeds 255 bytes")
	ErrInvalidUTF8     = errors.New("wire: service id is not valid utf-8")
	ErrIPv6Unsupported = errors.New("wire: ipv6 is not supported at the overlay layer")
)

// ValidateServiceID validates a candidate service identifier per spec.md §3:
// UTF-8, 1..=255 bytes.
func ValidateServiceID(id string) error {
	n := len(id)
	if n == 0 {
		return ErrEmptyServiceID
	}
	if n > MaxServiceIDLen {
		return ErrServiceIDTooLong
	}
	if !utf8.ValidString(id) {
		return ErrInvalidUTF8
	}
	return nil
}

// ObservedAddress is the payload of a 0x01 QAD datagram: an IPv4 address
// and port as observed by the receiving endpoint.
type ObservedAddress struct {
	IP   net.IP
	Port uint16
}

// EncodeObservedAddress builds a 0x01 datagram. An IPv6 address is rejected
// here with ErrIPv6Unsupported, which callers treat as "skip QAD for this
// peer" rather than emitting anything; spec.md §4.1 requires QAD to be
// silently skipped for IPv6 peers.
func EncodeObservedAddress(addr *net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, ErrIPv6Unsupported
	}
	port, err := toPort(addr.Port)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 7)
	buf[0] = byte(KindObservedAddress)
	copy(buf[1:5], ip4)
	binary.BigEndian.PutUint16(buf[5:7], port)
	return buf, nil
}

// DecodeObservedAddress parses a 0x01 payload (kind byte already stripped).
func DecodeObservedAddress(payload []byte) (ObservedAddress, error) {
	if len(payload) < 6 {
		return ObservedAddress{}, ErrTruncated
	}
	ip := net.IPv4(payload[0], payload[1], payload[2], payload[3])
	port := binary.BigEndian.Uint16(payload[4:6])
	return ObservedAddress{IP: ip, Port: port}, nil
}

// EncodeRegistration builds a 0x10/0x11 registration datagram.
func EncodeRegistration(kind Kind, serviceID string) ([]byte, error) {
	if kind != KindAgentRegister && kind != KindConnectorRegister {
		return nil, fmt.Errorf("wire: %w: %#x is not a registration kind", ErrUnknownKind, kind)
	}
	if err := ValidateServiceID(serviceID); err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(serviceID))
	buf[0] = byte(kind)
	buf[1] = byte(len(serviceID))
	copy(buf[2:], serviceID)
	return buf, nil
}

// DecodeRegistration parses the length-prefixed service id that follows a
// 0x10/0x11/0x12 kind byte. Per spec.md §4.1 and the testable property in
// §8, a declared length of 0, > 255, or that overruns the remaining bytes
// is a protocol violation and must never create a registry entry.
func DecodeRegistration(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", ErrTruncated
	}
	l := int(payload[0])
	if l == 0 {
		return "", ErrEmptyServiceID
	}
	if len(payload)-1 < l {
		return "", ErrTruncated
	}
	id := string(payload[1 : 1+l])
	if err := ValidateServiceID(id); err != nil {
		return "", err
	}
	return id, nil
}

// EncodeRegisterACK builds a 0x12 datagram echoing the service id.
func EncodeRegisterACK(serviceID string) ([]byte, error) {
	if err := ValidateServiceID(serviceID); err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(serviceID))
	buf[0] = byte(KindRegisterACK)
	buf[1] = byte(len(serviceID))
	copy(buf[2:], serviceID)
	return buf, nil
}

// EncodeRegisterNACK builds a 0x13 datagram.
func EncodeRegisterNACK(serviceID string, reason NACKReason) ([]byte, error) {
	if len(serviceID) > MaxServiceIDLen {
		return nil, ErrServiceIDTooLong
	}
	buf := make([]byte, 3+len(serviceID))
	buf[0] = byte(KindRegisterNACK)
	buf[1] = byte(len(serviceID))
	copy(buf[2:2+len(serviceID)], serviceID)
	buf[2+len(serviceID)] = byte(reason)
	return buf, nil
}

// DecodeRegisterNACK parses a 0x13 payload (kind byte already stripped),
// returning the echoed service id and the reason code.
func DecodeRegisterNACK(payload []byte) (string, NACKReason, error) {
	if len(payload) < 1 {
		return "", 0, ErrTruncated
	}
	l := int(payload[0])
	if len(payload)-1 < l+1 {
		return "", 0, ErrTruncated
	}
	id := string(payload[1 : 1+l])
	reason := NACKReason(payload[1+l])
	return id, reason, nil
}

// EncodeKeepalive builds a 0x20 path-keepalive datagram with a random
// 4-byte nonce (caller-supplied so the CSPRNG lives in one place).
func EncodeKeepalive(nonce [4]byte) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(KindPathKeepalive)
	copy(buf[1:], nonce[:])
	return buf
}

// DecodeKeepalive extracts the nonce from a 0x20 payload.
func DecodeKeepalive(payload []byte) ([4]byte, error) {
	var nonce [4]byte
	if len(payload) < 4 {
		return nonce, ErrTruncated
	}
	copy(nonce[:], payload[:4])
	return nonce, nil
}

// EncodeRelayPing builds a 0x21 relay keepalive: a zero-payload,
// service-less datagram whose only purpose is to keep the relay
// connection's path (and any NAT binding along it) alive. Unlike the 0x20
// direct-path keepalive, it carries no nonce and expects no reply.
func EncodeRelayPing() []byte {
	return []byte{byte(KindRelayPing)}
}

// EncodeServiceRoutedPacket builds a 0x2F datagram wrapping inner.
func EncodeServiceRoutedPacket(serviceID string, inner []byte) ([]byte, error) {
	if err := ValidateServiceID(serviceID); err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(serviceID)+len(inner))
	buf[0] = byte(KindServiceRoutedPacket)
	buf[1] = byte(len(serviceID))
	n := copy(buf[2:], serviceID)
	copy(buf[2+n:], inner)
	return buf, nil
}

// DecodeServiceRoutedPacket splits a 0x2F payload (kind byte already
// stripped) into the service id and the inner packet. Rejects a zero-length
// service id and a declared length that would overrun the datagram, per
// spec.md §4.1.
func DecodeServiceRoutedPacket(payload []byte) (serviceID string, inner []byte, err error) {
	if len(payload) < 1 {
		return "", nil, ErrTruncated
	}
	l := int(payload[0])
	if l == 0 {
		return "", nil, ErrEmptyServiceID
	}
	if len(payload)-1 < l {
		return "", nil, ErrTruncated
	}
	id := string(payload[1 : 1+l])
	if err := ValidateServiceID(id); err != nil {
		return "", nil, err
	}
	return id, payload[1+l:], nil
}

// Decode inspects the first byte of an inbound datagram and reports its
// kind. Any unrecognized first byte is a malformed frame per spec.md §8's
// universally quantified property; callers must drop and count it.
func Decode(datagram []byte) (Kind, []byte, error) {
	if len(datagram) < 1 {
		return 0, nil, ErrTruncated
	}
	k := Kind(datagram[0])
	switch k {
	case KindObservedAddress, KindAgentRegister, KindConnectorRegister,
		KindRegisterACK, KindRegisterNACK, KindPathKeepalive, KindRelayPing,
		KindServiceRoutedPacket:
		return k, datagram[1:], nil
	default:
		return 0, nil, ErrUnknownKind
	}
}

func toPort(p int) (uint16, error) {
	if p < 0 || p > 0xFFFF {
		return 0, fmt.Errorf("wire: port %d out of range", p)
	}
	return uint16(p), nil
}
