// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package wire

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SignalKind identifies the payload carried over the per-peer signaling
// stream (spec.md §4.1: "candidate offers, candidate answers, and
// binding-request/response pairs").
type SignalKind string

const (
	SignalCandidateOffer  SignalKind = "candidate-offer"
	SignalCandidateAnswer SignalKind = "candidate-answer"
)

// maxSignalMessageLen bounds a single length-prefixed signaling message so a
// malformed or hostile peer cannot force an unbounded read.
const maxSignalMessageLen = 64 * 1024

var ErrSignalTooLarge = errors.New("wire: signaling message exceeds maximum size")

// Candidate is one address a peer might be reachable at.
type Candidate struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// SignalMessage is the length-prefixed, JSON-encoded envelope exchanged on
// the signaling stream. SessionID and TransactionID are always drawn from a
// CSPRNG; spec.md §4.1 and §9 forbid deriving them from time, PID, or a
// counter.
type SignalMessage struct {
	Kind          SignalKind  `json:"kind"`
	SessionID     uint64      `json:"session_id"`
	ServiceID     string      `json:"service_id"`
	Candidates    []Candidate `json:"candidates,omitempty"`
	TransactionID uint32      `json:"transaction_id,omitempty"`
}

// NewSessionID draws a 64-bit session id from crypto/rand. The standard
// library's CSPRNG is used directly: none of the example repos carry a
// dedicated ID-generation library, and crypto/rand is the correct primitive
// for this boundary (see DESIGN.md).
func NewSessionID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("wire: generate session id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// NewTransactionID draws a 32-bit per-probe transaction id.
func NewTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("wire: generate transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteSignal frames msg as a 4-byte big-endian length prefix followed by
// its JSON encoding, per spec.md §6.
func WriteSignal(w io.Writer, msg SignalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal signal: %w", err)
	}
	if len(body) > maxSignalMessageLen {
		return ErrSignalTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadSignal reads one length-prefixed signaling message. A message whose
// declared length exceeds maxSignalMessageLen is a protocol violation and is
// rejected without allocating the oversized buffer.
func ReadSignal(r io.Reader) (SignalMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return SignalMessage{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxSignalMessageLen {
		return SignalMessage{}, ErrSignalTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return SignalMessage{}, err
	}
	var msg SignalMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("wire: unmarshal signal: %w", err)
	}
	return msg, nil
}

// BindingRequest is the literal probe sent UDP-to-UDP during hole punching:
// a magic prefix plus a 4-byte transaction id (spec.md §4.2: "≥ 6 bytes:
// magic prefix, 4-byte transaction-id").
var bindingMagic = [2]byte{0xB1, 0xD9}

// EncodeBindingRequest builds a probe datagram.
func EncodeBindingRequest(txID uint32) []byte {
	buf := make([]byte, 6)
	copy(buf[:2], bindingMagic[:])
	binary.BigEndian.PutUint32(buf[2:], txID)
	return buf
}

// EncodeBindingResponse echoes the same transaction id, electing the source
// address the response arrived from.
func EncodeBindingResponse(txID uint32) []byte {
	return EncodeBindingRequest(txID)
}

// DecodeBinding validates the magic prefix and extracts the transaction id
// from either a request or a response; the two are distinguished by the
// hole-punch session's own state (whether it's still Probing), not by wire
// shape.
func DecodeBinding(datagram []byte) (uint32, error) {
	if len(datagram) < 6 {
		return 0, ErrTruncated
	}
	if datagram[0] != bindingMagic[0] || datagram[1] != bindingMagic[1] {
		return 0, errors.New("wire: binding datagram magic mismatch")
	}
	return binary.BigEndian.Uint32(datagram[2:6]), nil
}
