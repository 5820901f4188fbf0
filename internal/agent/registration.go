// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"time"

	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// registration tracks one service id's registration lifecycle against the
// fixed 2s/3-retry policy spec.md §4.2 assigns to the registration
// handshake (distinct from the exponential reconnect backoff used for the
// relay connection itself).
type registration struct {
	serviceID string
	state     RegistrationState
	attempt   int
	lastSent  time.Time
	backoff   wire.RegistrationBackoff
}

func newRegistration(serviceID string) *registration {
	return &registration{
		serviceID: serviceID,
		state:     RegPending,
		backoff:   wire.DefaultRegistrationBackoff(),
	}
}

// DueForSend reports whether it is time to (re)send a registration
// request, given the current time.
func (r *registration) DueForSend(now time.Time) bool {
	if r.state != RegPending {
		return false
	}
	if r.lastSent.IsZero() {
		return true
	}
	return now.Sub(r.lastSent) >= r.backoff.Timeout
}

// MarkSent records a registration attempt, failing the registration once
// the retry budget is exhausted. attempt is the 0-indexed number of the
// send being recorded, so the first send plus MaxRetries retries are made
// before the registration fails.
func (r *registration) MarkSent(now time.Time) {
	r.lastSent = now
	if r.backoff.Exhausted(r.attempt) {
		r.state = RegFailed
	}
	r.attempt++
}

// MarkAcked transitions the registration to its terminal success state.
func (r *registration) MarkAcked() { r.state = RegAcked }

// MarkFailed transitions the registration to its terminal failure state.
func (r *registration) MarkFailed() { r.state = RegFailed }
