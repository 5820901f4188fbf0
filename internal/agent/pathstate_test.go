// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServicePathStartsRelay(t *testing.T) {
	p := newServicePath("svc-a")
	assert.Equal(t, PathRelay, p.path)
	assert.False(t, p.InFallback())
}

func TestServicePathNominateToDirect(t *testing.T) {
	p := newServicePath("svc-a")
	p.Nominate("203.0.113.9:4444")
	assert.Equal(t, PathDirect, p.path)
	assert.Equal(t, "203.0.113.9:4444", p.peerAddr)
}

func TestServicePathFallsBackAfterThreeMisses(t *testing.T) {
	p := newServicePath("svc-a")
	p.Nominate("203.0.113.9:4444")

	p.RecordKeepaliveMissed()
	assert.Equal(t, PathDirect, p.path)
	p.RecordKeepaliveMissed()
	assert.Equal(t, PathDirect, p.path)
	p.RecordKeepaliveMissed()
	assert.Equal(t, PathRelay, p.path)
	assert.True(t, p.InFallback())
}

func TestServicePathAckResetsMissCounter(t *testing.T) {
	p := newServicePath("svc-a")
	p.Nominate("203.0.113.9:4444")
	p.RecordKeepaliveMissed()
	p.RecordKeepaliveMissed()

	now := time.Now()
	p.RecordKeepaliveSent(now.Add(-50 * time.Millisecond))
	p.RecordKeepaliveAck(now)

	stats := p.stats()
	assert.Equal(t, 0, stats.MissedKeepalives)
	assert.InDelta(t, int64(50), stats.RTTMillis, 5)
}
