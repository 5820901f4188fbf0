// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package retrytoken seals and validates a short-lived token binding a
// client address, an original destination connection id and an issue time
// (the retry-token shape of spec.md §4.3). The Intermediate's handshake
// Retry is performed by quic-go itself; in this repository the package is
// used only by intermediate.Server's resumption-ticket methods. The AEAD
// construction mirrors the teacher's
// internal/security PSK wrapper: derive a key, seal a framed payload, check
// freshness and binding on open.
package retrytoken

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// TTL bounds how long a sealed token remains valid (spec.md §4.3: "TTL ≤ a
// few seconds").
const TTL = 5 * time.Second

var (
	ErrExpired       = errors.New("retrytoken: expired")
	ErrAddressMismatch = errors.New("retrytoken: client address does not match")
	ErrMalformed     = errors.New("retrytoken: malformed token")
)

// Secret is the per-process key sealing/opening retry tokens. It must never
// be derived from time, PID, or a counter (spec.md §9) and never persists
// across restarts (spec.md §6: "Retry-token keys are process-local").
type Secret struct {
	aead aeadCipher
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// NewSecret draws a fresh 32-byte key from crypto/rand and builds the AEAD.
func NewSecret() (*Secret, error) {
	var key [chacha20poly1305.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("retrytoken: generate key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("retrytoken: init aead: %w", err)
	}
	return &Secret{aead: aead}, nil
}

// payload is the plaintext sealed inside the token: the client address,
// the original destination connection id, and an issuance timestamp.
func encodePlaintext(clientAddr *net.UDPAddr, origDCID []byte, issuedAt time.Time) []byte {
	ip4 := clientAddr.IP.To4()
	buf := make([]byte, 0, 4+2+8+1+len(origDCID))
	if ip4 == nil {
		ip4 = make([]byte, 4)
	}
	buf = append(buf, ip4...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(clientAddr.Port))
	buf = append(buf, portBuf[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(issuedAt.Unix()))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, byte(len(origDCID)))
	buf = append(buf, origDCID...)
	return buf
}

// Seal produces a retry token binding clientAddr and origDCID, stamped with
// the current time.
func (s *Secret) Seal(clientAddr *net.UDPAddr, origDCID []byte) ([]byte, error) {
	plaintext := encodePlaintext(clientAddr, origDCID, time.Now())
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("retrytoken: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open validates a token against the presenting client's address, checking
// both the address binding and the TTL (spec.md §4.3).
func (s *Secret) Open(token []byte, clientAddr *net.UDPAddr) (origDCID []byte, err error) {
	nonceLen := s.aead.NonceSize()
	if len(token) < nonceLen {
		return nil, ErrMalformed
	}
	nonce, sealed := token[:nonceLen], token[nonceLen:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(plaintext) < 15 {
		return nil, ErrMalformed
	}
	ip := net.IPv4(plaintext[0], plaintext[1], plaintext[2], plaintext[3])
	port := binary.BigEndian.Uint16(plaintext[4:6])
	issuedUnix := binary.BigEndian.Uint64(plaintext[6:14])
	dcidLen := int(plaintext[14])
	if len(plaintext)-15 < dcidLen {
		return nil, ErrMalformed
	}
	dcid := plaintext[15 : 15+dcidLen]

	if !ip.Equal(clientAddr.IP.To4()) || int(port) != clientAddr.Port {
		return nil, ErrAddressMismatch
	}
	issuedAt := time.Unix(int64(issuedUnix), 0)
	if time.Since(issuedAt) > TTL {
		return nil, ErrExpired
	}
	return dcid, nil
}
