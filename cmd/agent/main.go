// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Command agent is a minimal reference embedder for the sans-IO QUIC
// Agent engine (internal/agent). It wires the engine to a real UDP
// socket for overlay traffic and to a loopback, TUN-less packet source —
// a UDP socket a test harness can feed with inner IP packets — standing
// in for the out-of-scope OS tunnel-provider. It mirrors the teacher's
// cmd/client role of being the thing that drives the library packages,
// without adding protocol surface of its own.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hfyeomans/ztna-agent-sub002/internal/agent"
	"github.com/hfyeomans/ztna-agent-sub002/internal/config"
	"github.com/hfyeomans/ztna-agent-sub002/internal/support"
)

func main() {
	cfg, err := config.ParseAgent()
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	tlsConf, err := config.LoadTLSConfig(cfg.TLS, false)
	if err != nil {
		log.Fatalf("agent: %v", err)
	}

	sock, err := bindUDP(cfg.ListenAddr)
	if err != nil {
		log.Fatalf("agent: bind %s: %v", cfg.ListenAddr, err)
	}
	defer sock.Close()

	tunSim, err := newLoopbackPacketSource()
	if err != nil {
		log.Fatalf("agent: loopback packet source: %v", err)
	}
	defer tunSim.Close()
	log.Printf("agent: loopback packet source on %s (feed it inner IP packets for end-to-end exercise)", tunSim.LocalAddr())

	eng := agent.NewEngine(tlsConf, nil)
	localIP, localPortStr, err := net.SplitHostPort(sock.LocalAddr().String())
	if err != nil {
		log.Fatalf("agent: parse local addr: %v", err)
	}
	localPort, _ := strconv.Atoi(localPortStr)
	if err := eng.SetLocalAddr(normalizeIP(localIP), localPort); err != nil {
		log.Fatalf("agent: %v", err)
	}

	intermediateHost, intermediatePortStr, err := net.SplitHostPort(cfg.IntermediateAddr)
	if err != nil {
		log.Fatalf("agent: invalid -intermediate address: %v", err)
	}
	intermediatePort, err := strconv.Atoi(intermediatePortStr)
	if err != nil {
		log.Fatalf("agent: invalid -intermediate port: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = eng.Connect(ctx, intermediateHost, intermediatePort)
	cancel()
	if err != nil {
		support.HandleFatalDialError(err, cfg.IntermediateAddr)
	}
	log.Printf("agent: connected to intermediate %s", cfg.IntermediateAddr)

	for _, serviceID := range cfg.Services {
		if err := eng.Register(serviceID); err != nil {
			log.Printf("agent: register %q: %v", serviceID, err)
		}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pumpSocketReads(runCtx, sock, eng)
	go pumpSocketWrites(runCtx, sock, eng)
	go pumpTimeouts(runCtx, eng)
	go pumpTunSimInbound(runCtx, tunSim, eng)
	go pumpTunSimOutbound(runCtx, tunSim, eng)

	<-runCtx.Done()
	log.Print("agent: shutting down")
	eng.Destroy()
}

func bindUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// pumpSocketReads feeds inbound overlay UDP datagrams into the engine.
func pumpSocketReads(ctx context.Context, sock *net.UDPConn, eng *agent.Engine) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if support.IsBenignCopyError(err) {
				return
			}
			log.Printf("agent: socket read: %v", err)
			continue
		}
		eng.Recv(append([]byte(nil), buf[:n]...), from.IP.String(), from.Port)
	}
}

// pumpSocketWrites drains the engine's outbound overlay datagrams.
func pumpSocketWrites(ctx context.Context, sock *net.UDPConn, eng *agent.Engine) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				data, toIP, toPort, ok := eng.Poll()
				if !ok {
					break
				}
				_, err := sock.WriteToUDP(data, &net.UDPAddr{IP: net.ParseIP(toIP), Port: toPort})
				if err != nil && !support.IsBenignCopyError(err) {
					log.Printf("agent: socket write: %v", err)
				}
			}
		}
	}
}

// pumpTimeouts drives the engine's wall-clock-dependent work at the cadence
// it requests via TimeoutMillis.
func pumpTimeouts(ctx context.Context, eng *agent.Engine) {
	for {
		if ctx.Err() != nil {
			return
		}
		wait := time.Duration(eng.TimeoutMillis()) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			eng.OnTimeout()
		}
	}
}

// pumpTunSimInbound reads inner IP packets arriving on the loopback packet
// source and hands them to the engine for overlay transmission.
func pumpTunSimInbound(ctx context.Context, src *loopbackPacketSource, eng *agent.Engine) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := src.ReadPacket(buf)
		if err != nil {
			if support.IsBenignCopyError(err) {
				return
			}
			log.Printf("agent: tun-sim read: %v", err)
			continue
		}
		if err := eng.SendDatagram(append([]byte(nil), buf[:n]...)); err != nil {
			log.Printf("agent: send datagram: %v", err)
		}
	}
}

// pumpTunSimOutbound drains decapsulated inner packets the engine has
// received and writes them back out the loopback packet source.
func pumpTunSimOutbound(ctx context.Context, src *loopbackPacketSource, eng *agent.Engine) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				data, ok := eng.RecvDatagram()
				if !ok {
					break
				}
				if err := src.WriteLastPeer(data); err != nil && !support.IsBenignCopyError(err) {
					log.Printf("agent: tun-sim write: %v", err)
				}
			}
		}
	}
}

func normalizeIP(ip string) string {
	if ip == "" || ip == "0.0.0.0" || ip == "::" {
		return "0.0.0.0"
	}
	return strings.TrimSuffix(ip, "%")
}
