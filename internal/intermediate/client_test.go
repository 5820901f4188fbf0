// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-agent-sub002/internal/identity"
)

func TestClientRecordTouchResetsIdleSince(t *testing.T) {
	_, addr := newTestServer(t)
	conn := dialTestClient(t, addr, issueTestCert(t, "agent.echo-svc.test"))

	rec := newClientRecord(conn, identity.Identity{})
	time.Sleep(5 * time.Millisecond)
	before := rec.idleSince()
	assert.Greater(t, before, time.Duration(0))

	rec.touch()
	after := rec.idleSince()
	assert.Less(t, after, before)
}

func TestClientRecordObservedAddr(t *testing.T) {
	_, addr := newTestServer(t)
	conn := dialTestClient(t, addr, issueTestCert(t, "agent.echo-svc.test"))

	rec := newClientRecord(conn, identity.Identity{})
	got := rec.observedAddr()
	require.NotNil(t, got)
	assert.Equal(t, conn.RemoteAddr().String(), got.String())
}
