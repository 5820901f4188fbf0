// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package connector

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/ipnet"
	"github.com/hfyeomans/ztna-agent-sub002/internal/metrics"
	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// reapInterval governs how often the flow table is swept for idle entries.
const reapInterval = 10 * time.Second

// Config holds the Connector's construction-time parameters: where the
// Intermediate lives, which service ids this process serves, and which
// local backend address answers each one.
type Config struct {
	IntermediateAddr string
	TLSConfig        *tls.Config
	Backends         map[string]string // serviceID -> "host:port"
}

// registrationState tracks one service id's registration lifecycle against
// the Intermediate.
type registrationState struct {
	serviceID string
	acked     bool
	attempt   int
}

// Connector is the App Connector described in spec.md §4.4: it registers
// its service ids, decapsulates overlay IP packets into local TCP/UDP
// traffic, re-encapsulates backend replies, and accepts direct P2P QUIC
// connections from agents that successfully hole-punched.
type Connector struct {
	cfg     Config
	metrics *metrics.Connector
	flows   *FlowTable

	mu                 sync.Mutex
	relayConn          *quic.Conn
	registrations      map[string]*registrationState
	udpBackends        map[string]*backendUDPSocket
	udpReplyLoopsBegun map[string]bool

	p2pTransport *quic.Transport
}

// NewConnector constructs a Connector; it does not dial or listen until Run
// is called.
func NewConnector(cfg Config, m *metrics.Connector) *Connector {
	regs := make(map[string]*registrationState, len(cfg.Backends))
	for id := range cfg.Backends {
		regs[id] = &registrationState{serviceID: id}
	}
	return &Connector{
		cfg:                cfg,
		metrics:            m,
		flows:              NewFlowTable(),
		registrations:      regs,
		udpBackends:        make(map[string]*backendUDPSocket),
		udpReplyLoopsBegun: make(map[string]bool),
	}
}

// Run dials the Intermediate, registers every configured service, and
// serves overlay traffic until ctx is cancelled, reconnecting with
// exponential backoff on connection loss (spec.md §4.4: "a reconnect loop
// with exponential backoff replaces any reliance on process-supervisor
// restarts").
//
// The outbound dial to the Intermediate and the inbound P2P listener share
// one local UDP socket: a hole-punched agent's binding requests arrive
// addressed to the same 4-tuple the Connector's own NAT mapping opened by
// dialing out, so accepting on a second, independent socket would never see
// them (spec.md §4.4's "P2P listener ... on its QUIC socket").
func (c *Connector) Run(ctx context.Context) error {
	go c.reapFlows(ctx)

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	defer udpConn.Close()
	quicConf := &quic.Config{EnableDatagrams: true}
	c.p2pTransport = &quic.Transport{Conn: udpConn}
	p2pListener, err := c.p2pTransport.Listen(c.cfg.TLSConfig, quicConf)
	if err != nil {
		return err
	}
	defer p2pListener.Close()
	go c.acceptP2P(ctx, p2pListener)

	intermediateAddr, err := net.ResolveUDPAddr("udp", c.cfg.IntermediateAddr)
	if err != nil {
		return err
	}

	backoff := wire.NewReconnectBackoff()
	for {
		conn, err := c.p2pTransport.Dial(ctx, intermediateAddr, c.cfg.TLSConfig, quicConf)
		if err != nil {
			log.Printf("connector: dial intermediate: %v", err)
			if !wire.SleepInterruptible(backoff.Next(), time.Second, ctx.Done()) {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()

		c.mu.Lock()
		c.relayConn = conn
		for _, reg := range c.registrations {
			reg.acked = false
			reg.attempt = 0
		}
		c.mu.Unlock()

		go c.registerAll(ctx, conn)
		c.serveConn(ctx, conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		log.Printf("connector: relay connection lost, reconnecting")
	}
}

// registerAll sends a 0x11 for every configured service and keeps retrying
// on the teacher's fixed backoff until each is acked. Unlike the Agent,
// which surfaces permanent failure after three retries (spec.md §4.2), a
// Connector's service would otherwise become permanently unreachable, so
// it keeps retrying past the backoff's nominal retry count rather than
// giving up.
func (c *Connector) registerAll(ctx context.Context, conn *quic.Conn) {
	policy := wire.DefaultRegistrationBackoff()
	for serviceID := range c.cfg.Backends {
		serviceID := serviceID
		go func() {
			for {
				c.mu.Lock()
				reg := c.registrations[serviceID]
				acked := reg != nil && reg.acked
				sameConn := c.relayConn == conn
				c.mu.Unlock()
				if acked || !sameConn {
					return
				}
				payload, err := wire.EncodeRegistration(wire.KindConnectorRegister, serviceID)
				if err == nil {
					_ = conn.SendDatagram(payload)
				}
				if !wire.SleepInterruptible(policy.Timeout, 500*time.Millisecond, ctx.Done()) {
					return
				}
			}
		}()
	}
}

// acceptP2P accepts direct QUIC connections from agents that completed a
// hole punch, serving each identically to the relay path (spec.md §4.4:
// "thereafter serves 0x2F datagrams on that connection identically to the
// relay path"). If a direct connection closes, traffic naturally returns to
// the registered relay path since the Agent's own path-state machine falls
// back on missed keepalives.
func (c *Connector) acceptP2P(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go c.serveConn(ctx, conn)
	}
}

// serveConn reads every datagram off conn and dispatches it, returning once
// the connection closes.
func (c *Connector) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		payload, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		c.handleDatagram(conn, payload)
	}
}

func (c *Connector) handleDatagram(conn *quic.Conn, payload []byte) {
	kind, body, err := wire.Decode(payload)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedMalformed.Inc()
		}
		return
	}
	switch kind {
	case wire.KindRegisterACK:
		serviceID, err := wire.DecodeRegistration(body)
		if err != nil {
			return
		}
		c.mu.Lock()
		if reg, ok := c.registrations[serviceID]; ok {
			reg.acked = true
		}
		c.mu.Unlock()
	case wire.KindRegisterNACK:
		serviceID, reason, err := wire.DecodeRegisterNACK(body)
		if err != nil {
			return
		}
		log.Printf("connector: registration for %q nacked: reason %v", serviceID, reason)
	case wire.KindServiceRoutedPacket:
		c.handleServiceRouted(conn, body)
	case wire.KindPathKeepalive:
		_ = conn.SendDatagram(payload)
	case wire.KindObservedAddress:
		// Informational only; the Connector does not act on its own observed
		// address.
	default:
		log.Printf("connector: unexpected datagram kind %#x", kind)
	}
}

func (c *Connector) handleServiceRouted(conn *quic.Conn, body []byte) {
	serviceID, inner, err := wire.DecodeServiceRoutedPacket(body)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedMalformed.Inc()
		}
		return
	}
	backendAddr, ok := c.cfg.Backends[serviceID]
	if !ok {
		return
	}
	c.decapsulate(conn, serviceID, backendAddr, inner)
}

// decapsulate parses the inner IPv4 packet and forwards its payload to the
// configured backend, per spec.md §4.4.
func (c *Connector) decapsulate(conn *quic.Conn, serviceID, backendAddr string, inner []byte) {
	hdr, err := ipnet.ParseIPv4Header(inner)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedMalformed.Inc()
		}
		log.Printf("connector: drop malformed inner packet for %q: %v", serviceID, err)
		return
	}

	switch hdr.Protocol {
	case ipnet.ProtoUDP:
		c.handleInnerUDP(conn, serviceID, backendAddr, hdr, inner)
	case ipnet.ProtoTCP:
		c.handleInnerTCP(conn, serviceID, backendAddr, hdr, inner)
	default:
		if c.metrics != nil {
			c.metrics.DroppedMalformed.Inc()
		}
		log.Printf("connector: drop inner packet for %q with unsupported protocol %d", serviceID, hdr.Protocol)
	}
}

func (c *Connector) handleInnerUDP(conn *quic.Conn, serviceID, backendAddr string, hdr ipnet.IPv4Header, inner []byte) {
	srcPort, dstPort, payload, err := ipnet.ParseUDP(inner, hdr)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedMalformed.Inc()
		}
		log.Printf("connector: drop short udp packet for %q: %v", serviceID, err)
		return
	}
	key := ipnet.FourTuple{SrcIP: hdr.SrcIP.String(), SrcPort: srcPort, DstIP: hdr.DstIP.String(), DstPort: dstPort}
	f, created := c.flows.LookupOrCreate(key, ipnet.ProtoUDP)
	if created && c.metrics != nil {
		c.metrics.ActiveFlows.Set(float64(c.flows.Count()))
	}
	f.touch()
	f.setState(FlowEstablished)

	sock, err := c.udpSocketFor(serviceID, backendAddr)
	if err != nil {
		log.Printf("connector: udp backend socket for %q: %v", serviceID, err)
		if c.metrics != nil {
			c.metrics.BackendErrors.Inc()
		}
		return
	}
	if err := sock.send(payload); err != nil {
		log.Printf("connector: udp backend write for %q: %v", serviceID, err)
		if c.metrics != nil {
			c.metrics.BackendErrors.Inc()
		}
		return
	}

	// Reply path: listen for the backend's answer and re-encapsulate it
	// back through the reversed flow key, addressed to the originating
	// agent. Started once per service-backend socket, not per flow.
	c.startUDPReplyLoop(conn, serviceID, sock, hdr, srcPort, dstPort)
}

// startUDPReplyLoop builds each backend reply's inner UDP header by
// swapping hdr's addresses and the request's own ports, mirroring
// handleInnerTCP's reply construction below: the intermediate's relay
// identifies the flow a reply belongs to by reversing its 4-tuple, so the
// reply must carry the client's original ports exactly, not the backend
// socket's observed source port.
func (c *Connector) startUDPReplyLoop(conn *quic.Conn, serviceID string, sock *backendUDPSocket, hdr ipnet.IPv4Header, srcPort, dstPort uint16) {
	c.mu.Lock()
	already := c.udpReplyLoopsBegun[serviceID]
	c.udpReplyLoopsBegun[serviceID] = true
	c.mu.Unlock()
	if already {
		return
	}
	go sock.recvLoop(
		func(payload []byte, from *net.UDPAddr) {
			reply := ipnet.BuildUDP(hdr.DstIP, hdr.SrcIP, dstPort, srcPort, payload)
			wrapped, err := wire.EncodeServiceRoutedPacket(serviceID, reply)
			if err != nil {
				return
			}
			if err := conn.SendDatagram(wrapped); err != nil {
				log.Printf("connector: send udp reply for %q: %v", serviceID, err)
			}
		},
		func() {
			if c.metrics != nil {
				c.metrics.LocalSpoofed.Inc()
			}
		},
	)
}

func (c *Connector) udpSocketFor(serviceID, backendAddr string) (*backendUDPSocket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sock, ok := c.udpBackends[serviceID]; ok {
		return sock, nil
	}
	addr, err := net.ResolveUDPAddr("udp", backendAddr)
	if err != nil {
		return nil, err
	}
	sock, err := newBackendUDPSocket(addr)
	if err != nil {
		return nil, err
	}
	c.udpBackends[serviceID] = sock
	return sock, nil
}

func (c *Connector) handleInnerTCP(conn *quic.Conn, serviceID, backendAddr string, hdr ipnet.IPv4Header, inner []byte) {
	srcPort, dstPort, flags, payload, err := ipnet.ParseTCP(inner, hdr)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedMalformed.Inc()
		}
		log.Printf("connector: drop malformed tcp packet for %q: %v", serviceID, err)
		return
	}
	key := ipnet.FourTuple{SrcIP: hdr.SrcIP.String(), SrcPort: srcPort, DstIP: hdr.DstIP.String(), DstPort: dstPort}
	f, created := c.flows.LookupOrCreate(key, ipnet.ProtoTCP)
	if created {
		if c.metrics != nil {
			c.metrics.ActiveFlows.Set(float64(c.flows.Count()))
		}
		c.dialBackendTCP(f, backendAddr, func(reply []byte) {
			rev := key.Reversed()
			out := ipnet.BuildTCP(hdr.DstIP, hdr.SrcIP, dstPort, srcPort, f.tcpSeq, f.tcpAck, ipnet.TCPFlags{ACK: true}, reply)
			wrapped, err := wire.EncodeServiceRoutedPacket(serviceID, out)
			if err != nil {
				return
			}
			if err := conn.SendDatagram(wrapped); err != nil {
				log.Printf("connector: send tcp reply for %q (flow %v): %v", serviceID, rev, err)
			}
		})
	}
	f.touch()

	if flags.RST {
		c.flows.Remove(key)
		f.mu.Lock()
		if f.backendConn != nil {
			_ = f.backendConn.Close()
		}
		f.mu.Unlock()
		return
	}
	if len(payload) > 0 {
		c.writeBackendTCP(f, payload)
	}
	if flags.FIN {
		c.closeBackendWrite(f)
	}
}

// reapFlows periodically destroys idle flow entries, per spec.md §3's
// "UDP flows are stateless; expire after idle threshold. TCP flows are
// explicit; destroyed on FIN/RST from either side or idle timeout."
func (c *Connector) reapFlows(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flows.ReapIdle()
			if c.metrics != nil {
				c.metrics.ActiveFlows.Set(float64(c.flows.Count()))
			}
		}
	}
}
