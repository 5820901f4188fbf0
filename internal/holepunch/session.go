// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package holepunch implements the short-lived client-side session record
// driving candidate gathering and probing, per spec.md §3 and §4.2.
package holepunch

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// State is the hole-punch session's lifecycle stage.
type State int

const (
	Gathering State = iota
	Probing
	Nominated
	Failed
)

func (s State) String() string {
	switch s {
	case Gathering:
		return "gathering"
	case Probing:
		return "probing"
	case Nominated:
		return "nominated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionTimeout bounds the whole session lifetime (spec.md §3: "a total
// timeout (few seconds)").
const SessionTimeout = 5 * time.Second

// ProbeDeadline bounds how long a single probe waits for a matching
// binding-response.
const ProbeDeadline = 800 * time.Millisecond

var (
	ErrNoCandidates   = errors.New("holepunch: no candidates to probe")
	ErrSessionExpired = errors.New("holepunch: session timeout elapsed")
)

// probe tracks one outstanding binding-request transaction.
type probe struct {
	addr          *net.UDPAddr
	transactionID uint32
	sentAt        time.Time
}

// Session is a single hole-punch attempt for one service id. It is not
// internally thread-safe beyond the mutex it holds; callers are expected to
// be the single Agent engine goroutine, but the mutex guards against the
// probe-response path running on a different goroutine than poll/timeout
// handling.
type Session struct {
	mu sync.Mutex

	SessionID uint64
	ServiceID string
	state     State
	createdAt time.Time

	localCandidates  []*net.UDPAddr
	remoteCandidates []*net.UDPAddr
	probes           map[uint32]probe
	nominated        *net.UDPAddr
}

// NewSession creates a session in the Gathering state with a fresh,
// CSPRNG-derived session id.
func NewSession(serviceID string) (*Session, error) {
	id, err := wire.NewSessionID()
	if err != nil {
		return nil, err
	}
	return &Session{
		SessionID: id,
		ServiceID: serviceID,
		state:     Gathering,
		createdAt: time.Now(),
		probes:    make(map[uint32]probe),
	}, nil
}

// AddLocalCandidate records a locally gathered candidate address (interface
// address, QAD-observed address). IPv6 candidates are silently skipped, per
// spec.md §1's Non-goals and §9's Open Questions.
func (s *Session) AddLocalCandidate(addr *net.UDPAddr) {
	if addr.IP.To4() == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localCandidates = append(s.localCandidates, addr)
}

// LocalCandidates returns a copy of the gathered local candidates.
func (s *Session) LocalCandidates() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*net.UDPAddr, len(s.localCandidates))
	copy(out, s.localCandidates)
	return out
}

// AddRemoteCandidate records a candidate offered by the remote peer via
// signaling.
func (s *Session) AddRemoteCandidate(addr *net.UDPAddr) {
	if addr.IP.To4() == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteCandidates = append(s.remoteCandidates, addr)
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Expired reports whether the session has outlived SessionTimeout.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt) > SessionTimeout
}

// BeginProbing transitions Gathering -> Probing and returns one
// binding-request datagram per remote candidate, each tagged with a fresh
// transaction id.
func (s *Session) BeginProbing() ([]ProbeOut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remoteCandidates) == 0 {
		return nil, ErrNoCandidates
	}
	s.state = Probing
	out := make([]ProbeOut, 0, len(s.remoteCandidates))
	for _, addr := range s.remoteCandidates {
		txID, err := wire.NewTransactionID()
		if err != nil {
			return nil, err
		}
		s.probes[txID] = probe{addr: addr, transactionID: txID, sentAt: time.Now()}
		out = append(out, ProbeOut{Addr: addr, Datagram: wire.EncodeBindingRequest(txID)})
	}
	return out, nil
}

// ProbeOut is one outbound binding-request the embedder must send.
type ProbeOut struct {
	Addr     *net.UDPAddr
	Datagram []byte
}

// HandleBindingResponse processes an inbound response. If its transaction
// id matches an outstanding probe, the session transitions to Nominated and
// the winning address is returned.
func (s *Session) HandleBindingResponse(from *net.UDPAddr, datagram []byte) (*net.UDPAddr, bool) {
	txID, err := wire.DecodeBinding(datagram)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Probing {
		return nil, false
	}
	p, ok := s.probes[txID]
	if !ok {
		return nil, false
	}
	_ = p
	s.state = Nominated
	s.nominated = from
	return from, true
}

// Nominated returns the elected address, if any.
func (s *Session) Nominated() (*net.UDPAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nominated, s.state == Nominated
}

// Fail transitions the session to Failed; it is retryable later by
// constructing a fresh Session.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Failed
}
