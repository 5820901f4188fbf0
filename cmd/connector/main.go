// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Command connector runs the App Connector described in spec.md §4.4: a
// QUIC client behind NAT that registers one or more service ids,
// decapsulates overlay IP packets into local TCP/UDP backends, and
// accepts direct P2P connections from hole-punched Agents.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hfyeomans/ztna-agent-sub002/internal/config"
	"github.com/hfyeomans/ztna-agent-sub002/internal/connector"
	"github.com/hfyeomans/ztna-agent-sub002/internal/metrics"
)

func main() {
	cfg, err := config.ParseConnector()
	if err != nil {
		log.Fatalf("connector: %v", err)
	}
	tlsConf, err := config.LoadTLSConfig(cfg.TLS, false)
	if err != nil {
		log.Fatalf("connector: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewConnector(reg)

	conn := connector.NewConnector(connector.Config{
		IntermediateAddr: cfg.IntermediateAddr,
		TLSConfig:        tlsConf,
		Backends:         cfg.Backends,
	}, m)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("connector: registering %d service(s) against %s", len(cfg.Backends), cfg.IntermediateAddr)
	if err := conn.Run(runCtx); err != nil && runCtx.Err() == nil {
		log.Fatalf("connector: %v", err)
	}
	log.Print("connector: shut down")
}
