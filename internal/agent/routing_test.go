// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteTableSetLookupDelete(t *testing.T) {
	rt := NewRouteTable()
	ip := net.ParseIP("10.8.0.5")

	_, ok := rt.Lookup(ip)
	assert.False(t, ok)

	rt.Set(ip, "billing-api")
	id, ok := rt.Lookup(ip)
	assert.True(t, ok)
	assert.Equal(t, "billing-api", id)

	rt.Delete(ip)
	_, ok = rt.Lookup(ip)
	assert.False(t, ok)
}
