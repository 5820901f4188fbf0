// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Command intermediate runs the QUIC rendezvous/relay server described in
// spec.md §4.3: it authenticates Agents and Connectors via mTLS, tracks
// service registrations, relays overlay datagrams between paired peers,
// mediates hole-punch signaling, and emits QUIC Address Discovery.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hfyeomans/ztna-agent-sub002/internal/config"
	"github.com/hfyeomans/ztna-agent-sub002/internal/intermediate"
	"github.com/hfyeomans/ztna-agent-sub002/internal/metrics"
	"github.com/hfyeomans/ztna-agent-sub002/internal/opsfeed"
)

const shutdownDrain = 3 * time.Second

func main() {
	cfg, err := config.ParseIntermediate()
	if err != nil {
		log.Fatalf("intermediate: %v", err)
	}
	tlsConf, err := config.LoadTLSConfig(cfg.TLS, cfg.RequireClientCert)
	if err != nil {
		log.Fatalf("intermediate: %v", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("intermediate: resolve -listen: %v", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Fatalf("intermediate: bind %s: %v", cfg.ListenAddr, err)
	}
	defer udpConn.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewIntermediate(reg)

	srv, err := intermediate.NewServer(udpConn, intermediate.Config{
		TLSConfig:         tlsConf,
		Realm:             cfg.Realm,
		RequireClientCert: cfg.RequireClientCert,
	}, m)
	if err != nil {
		log.Fatalf("intermediate: %v", err)
	}

	ready := true
	ops := opsfeed.New(reg, func() bool { return ready })
	if opsListener := maybeListenOps(cfg.OpsListenAddr); opsListener != nil {
		go func() {
			if err := ops.Serve(opsListener); err != nil {
				log.Printf("intermediate: ops listener: %v", err)
			}
		}()
		log.Printf("intermediate: ops endpoint on %s", cfg.OpsListenAddr)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		if err := srv.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Printf("intermediate: run: %v", err)
		}
	}()
	log.Printf("intermediate: listening on %s, realm %q", cfg.ListenAddr, cfg.Realm)

	go watchForReload(runCtx, hup, srv, cfg)

	<-runCtx.Done()
	ready = false
	log.Print("intermediate: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("intermediate: shutdown: %v", err)
	}
	_ = ops.Shutdown(shutdownCtx)
}

func maybeListenOps(addr string) net.Listener {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("intermediate: ops listener disabled, bind %s failed: %v", addr, err)
		return nil
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && tcpAddr.Port == 0 {
		_ = ln.Close()
		return nil
	}
	return ln
}

// watchForReload rebuilds the TLS config on SIGHUP, per spec.md §4.3's
// certificate hot-reload requirement: existing connections keep their old
// keys until they close, new handshakes use the new ones.
func watchForReload(ctx context.Context, hup chan os.Signal, srv *intermediate.Server, cfg *config.IntermediateConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			tlsConf, err := config.LoadTLSConfig(cfg.TLS, cfg.RequireClientCert)
			if err != nil {
				log.Printf("intermediate: reload: %v", err)
				continue
			}
			srv.Reload(tlsConf)
			log.Print("intermediate: TLS configuration reloaded")
		}
	}
}
