// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package agent implements the sans-IO QUIC engine described in spec.md
// §4.2: it owns no socket and no clock. The embedder feeds inbound UDP via
// Recv, drains outbound via Poll, supplies monotonic time via
// TimeoutMillis/OnTimeout, and pumps its own socket.
package agent

// State is the coarse, user-visible connection state spec.md §7 requires
// ("the Agent surfaces a coarse state ... the embedder renders this").
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Path is the active data path (spec.md §6: get_active_path encoding).
type Path int

const (
	PathDirect Path = iota
	PathRelay
	PathNone
)

// PathStats mirrors spec.md §6's get_path_stats tuple.
type PathStats struct {
	MissedKeepalives int
	RTTMillis        int64
	InFallback       bool
}

// RegistrationState tracks one service's registration lifecycle.
type RegistrationState int

const (
	RegPending RegistrationState = iota
	RegAcked
	RegFailed
)
