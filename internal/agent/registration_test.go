// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistrationDueForSendInitially(t *testing.T) {
	r := newRegistration("svc-a")
	assert.True(t, r.DueForSend(time.Now()))
}

func TestRegistrationNotDueBeforeTimeout(t *testing.T) {
	r := newRegistration("svc-a")
	now := time.Now()
	r.MarkSent(now)
	assert.False(t, r.DueForSend(now.Add(500*time.Millisecond)))
	assert.True(t, r.DueForSend(now.Add(3*time.Second)))
}

func TestRegistrationFailsAfterThreeRetries(t *testing.T) {
	r := newRegistration("svc-a")
	now := time.Now()
	r.MarkSent(now)
	assert.Equal(t, RegPending, r.state)
	r.MarkSent(now.Add(2 * time.Second))
	assert.Equal(t, RegPending, r.state)
	r.MarkSent(now.Add(4 * time.Second))
	assert.Equal(t, RegPending, r.state)
	r.MarkSent(now.Add(6 * time.Second))
	assert.Equal(t, RegFailed, r.state)
}

func TestRegistrationMarkAcked(t *testing.T) {
	r := newRegistration("svc-a")
	r.MarkAcked()
	assert.Equal(t, RegAcked, r.state)
	assert.False(t, r.DueForSend(time.Now()))
}
