// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package metrics registers the Prometheus series of the Intermediate and
// Connector (only the Intermediate's binary serves them over HTTP),
// following cloudflared's
// supervisor/metrics.go idiom (prometheus.NewGauge/NewCounter +
// prometheus.MustRegister at init time, namespaced per component).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ztna"

// Intermediate holds the Intermediate's series.
type Intermediate struct {
	RegisteredServices prometheus.Gauge
	ConnectedClients   prometheus.Gauge
	RelayedDatagrams   prometheus.Counter
	DroppedMalformed   prometheus.Counter
	DroppedNoRoute     prometheus.Counter
	RegistrationNACKs  prometheus.Counter
	RetriesRejected    prometheus.Counter
}

// NewIntermediate constructs and registers the Intermediate's metrics
// against reg. Passing a dedicated registry (rather than the global
// default) keeps repeated construction in tests safe.
func NewIntermediate(reg *prometheus.Registry) *Intermediate {
	m := &Intermediate{
		RegisteredServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "registered_services",
			Help: "Number of services currently registered to a connector.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "connected_clients",
			Help: "Number of live agent and connector QUIC connections.",
		}),
		RelayedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "relayed_datagrams_total",
			Help: "Service-routed datagrams successfully forwarded.",
		}),
		DroppedMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "dropped_malformed_total",
			Help: "Datagrams dropped for an unknown kind byte or inconsistent length.",
		}),
		DroppedNoRoute: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "dropped_no_route_total",
			Help: "Service-routed datagrams dropped because no connector is registered.",
		}),
		RegistrationNACKs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "registration_nacks_total",
			Help: "Registration attempts refused for lacking authorization.",
		}),
		RetriesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intermediate", Name: "retry_token_rejected_total",
			Help: "Initial packets rejected for a missing or invalid retry token.",
		}),
	}
	reg.MustRegister(
		m.RegisteredServices, m.ConnectedClients, m.RelayedDatagrams,
		m.DroppedMalformed, m.DroppedNoRoute, m.RegistrationNACKs, m.RetriesRejected,
	)
	return m
}

// Connector holds the Connector's series.
type Connector struct {
	ActiveFlows      prometheus.Gauge
	BackendErrors    prometheus.Counter
	DroppedMalformed prometheus.Counter
	LocalSpoofed     prometheus.Counter
}

// NewConnector constructs and registers the Connector's metrics.
func NewConnector(reg *prometheus.Registry) *Connector {
	m := &Connector{
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connector", Name: "active_flows",
			Help: "Number of open UDP/TCP flow entries.",
		}),
		BackendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connector", Name: "backend_errors_total",
			Help: "Local backend connect/read/write failures.",
		}),
		DroppedMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connector", Name: "dropped_malformed_total",
			Help: "Inbound overlay datagrams dropped for a malformed inner packet.",
		}),
		LocalSpoofed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connector", Name: "local_spoofed_total",
			Help: "Local backend replies dropped for arriving from an unconfigured source.",
		}),
	}
	reg.MustRegister(m.ActiveFlows, m.BackendErrors, m.DroppedMalformed, m.LocalSpoofed)
	return m
}
