// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package opsfeed

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzReflectsHealthyFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	healthy := true
	s := New(reg, func() bool { return healthy })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	defer s.Shutdown(context.Background()) //nolint:errcheck // best-effort test cleanup

	url := "http://" + ln.Addr().String() + "/healthz"

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy = false
	resp, err = http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg, func() bool { return true })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	defer s.Shutdown(context.Background()) //nolint:errcheck // best-effort test cleanup

	time.Sleep(10 * time.Millisecond)
	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
