// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package intermediate

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/identity"
	"github.com/hfyeomans/ztna-agent-sub002/internal/metrics"
	"github.com/hfyeomans/ztna-agent-sub002/internal/retrytoken"
	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

// drainTimeout bounds how long Shutdown waits for clients to acknowledge
// APPLICATION_CLOSE before the process exits, per spec.md §4.3.
const drainTimeout = 3 * time.Second

// idleCheckInterval governs how often the reaper sweeps for clients that
// have gone quiet past their connection's own QUIC idle timeout.
const idleCheckInterval = 30 * time.Second

// agentRouteTTL bounds how long relay keeps an agent's claim on a flow
// after its last datagram, so a flow the agent abandoned without the
// connection closing doesn't pin memory forever.
const agentRouteTTL = 2 * time.Minute

// Config holds the Server's construction-time parameters.
type Config struct {
	TLSConfig         *tls.Config
	Realm             string
	RequireClientCert bool
}

// Server is the Intermediate relay/rendezvous listener: it accepts QUIC
// connections from Agents and Connectors, relays 0x2F traffic and
// signaling, and emits QUIC Address Discovery datagrams.
type Server struct {
	cfg         Config
	tlsConf     atomic.Pointer[tls.Config]
	listener    *quic.Listener
	registry    *Registry
	signaling   *SignalBroker
	retry       *retrytoken.Secret
	metrics     *metrics.Intermediate
	agentRoutes *agentRouteIndex

	mu       sync.Mutex
	clients  map[*quic.Conn]*clientRecord
	shutdown chan struct{}
	closed   bool
}

// NewServer constructs a Server bound to udpConn. The retry secret is
// drawn fresh each process start, per spec.md §6 ("Retry-token keys are
// process-local").
func NewServer(udpConn net.PacketConn, cfg Config, m *metrics.Intermediate) (*Server, error) {
	secret, err := retrytoken.NewSecret()
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		signaling:   newSignalBroker(registry),
		retry:       secret,
		metrics:     m,
		agentRoutes: newAgentRouteIndex(),
		clients:     make(map[*quic.Conn]*clientRecord),
		shutdown:    make(chan struct{}),
	}

	s.tlsConf.Store(cfg.TLSConfig)

	quicConf := &quic.Config{EnableDatagrams: true}
	transport := &quic.Transport{
		Conn: udpConn,
		// Force RFC 9000 address validation on every first Initial, which is
		// the anti-amplification behavior spec.md §4.3 describes; quic-go
		// implements the AEAD-sealed-token exchange internally once this
		// returns true. internal/retrytoken implements the same token shape
		// independently; it is exercised by its own tests and wrapped by
		// the resumption-ticket methods below.
		VerifySourceAddress: func(net.Addr) bool { return true },
	}
	// Handshakes consult GetConfigForClient on every attempt rather than a
	// config snapshot captured at Listen time, so Reload takes effect for
	// new connections without restarting the listener.
	listenTLSConf := &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return s.tlsConf.Load(), nil
		},
	}
	ln, err := transport.Listen(listenTLSConf, quicConf)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return s, nil
}

// IssueResumptionTicket seals a short-lived ticket bound to clientAddr and
// dcid. It is this Server's direct use of internal/retrytoken, independent
// of quic-go's own handshake-level retry. Nothing in this repository calls
// it or ValidateResumptionTicket, and the Agent does not present a ticket
// on reconnect.
func (s *Server) IssueResumptionTicket(clientAddr *net.UDPAddr, dcid []byte) ([]byte, error) {
	return s.retry.Seal(clientAddr, dcid)
}

// ValidateResumptionTicket opens a ticket previously issued by
// IssueResumptionTicket, enforcing the address binding and TTL.
func (s *Server) ValidateResumptionTicket(ticket []byte, clientAddr *net.UDPAddr) ([]byte, error) {
	return s.retry.Open(ticket, clientAddr)
}

// Run accepts connections until ctx is cancelled or Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	go s.reapIdleClients(ctx)
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Printf("intermediate: accept error: %v", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	peerCerts := conn.ConnectionState().TLS.PeerCertificates
	id := identity.Identity{}
	if len(peerCerts) > 0 {
		id = identity.FromCertificate(peerCerts[0], s.cfg.Realm)
	} else if s.cfg.RequireClientCert {
		_ = conn.CloseWithError(0, "client certificate required")
		return
	}

	rec := newClientRecord(conn, id)
	s.mu.Lock()
	s.clients[conn] = rec
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Inc()
		defer s.metrics.ConnectedClients.Dec()
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		s.registry.RemoveConn(conn)
		s.agentRoutes.removeConn(conn)
		if s.metrics != nil {
			s.metrics.RegisteredServices.Set(float64(s.registry.Count()))
		}
	}()

	s.sendQAD(conn, rec.observedAddr())
	go s.acceptSignalingStreams(ctx, conn)

	for {
		payload, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		rec.touch()
		s.handleDatagram(ctx, conn, rec, payload)
		if newAddr := rec.observedAddr(); !addrEqual(newAddr, rec.remoteAddr) {
			rec.mu.Lock()
			rec.remoteAddr = newAddr
			rec.mu.Unlock()
			s.sendQAD(conn, newAddr)
		}
	}
}

func (s *Server) acceptSignalingStreams(ctx context.Context, conn *quic.Conn) {
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.runSignalingStream(ctx, conn, st)
	}
}

func (s *Server) sendQAD(conn *quic.Conn, addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	payload, err := wire.EncodeObservedAddress(addr)
	if errors.Is(err, wire.ErrIPv6Unsupported) {
		log.Printf("intermediate: skipping QAD for ipv6 peer %s", addr)
		return
	}
	if err != nil {
		log.Printf("intermediate: encode QAD for %s: %v", addr, err)
		return
	}
	if err := conn.SendDatagram(payload); err != nil {
		log.Printf("intermediate: send QAD to %s: %v", addr, err)
	}
}

func (s *Server) handleDatagram(ctx context.Context, conn *quic.Conn, rec *clientRecord, payload []byte) {
	kind, body, err := wire.Decode(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DroppedMalformed.Inc()
		}
		log.Printf("intermediate: drop undecodable datagram from %s: %v", rec.observedAddr(), err)
		return
	}

	switch kind {
	case wire.KindAgentRegister, wire.KindConnectorRegister:
		s.handleRegistration(conn, rec, kind, body)
	case wire.KindServiceRoutedPacket:
		s.relay(conn, rec, body)
	case wire.KindPathKeepalive:
		_ = conn.SendDatagram(payload)
	case wire.KindRelayPing:
		// Zero-payload, service-less: its only job is to keep this
		// connection's path alive. rec.touch() above already did that.
	default:
		log.Printf("intermediate: unexpected datagram kind %#x from %s", kind, rec.observedAddr())
	}
}

func (s *Server) handleRegistration(conn *quic.Conn, rec *clientRecord, kind wire.Kind, body []byte) {
	serviceID, err := wire.DecodeRegistration(body)
	if err != nil {
		s.nack(conn, serviceID, wire.NACKMalformed)
		return
	}
	if !rec.identity.AuthorizesService(serviceID) {
		if s.metrics != nil {
			s.metrics.RegistrationNACKs.Inc()
		}
		s.nack(conn, serviceID, wire.NACKUnauthorized)
		return
	}

	if kind == wire.KindConnectorRegister {
		s.registry.Register(serviceID, conn)
		if s.metrics != nil {
			s.metrics.RegisteredServices.Set(float64(s.registry.Count()))
		}
	}

	ack, err := wire.EncodeRegisterACK(serviceID)
	if err != nil {
		return
	}
	if err := conn.SendDatagram(ack); err != nil {
		log.Printf("intermediate: send register ack for %q: %v", serviceID, err)
	}
}

func (s *Server) nack(conn *quic.Conn, serviceID string, reason wire.NACKReason) {
	payload, err := wire.EncodeRegisterNACK(serviceID, reason)
	if err != nil {
		return
	}
	_ = conn.SendDatagram(payload)
}

// relay forwards a 0x2F datagram in either direction: agent-origin
// datagrams go to the connector registered for the service id, and
// connector-origin datagrams (the replies) go back to the one agent
// connection that opened the flow, identified by the 4-tuple of the
// reply's own innermost IP header reversed, per spec.md §4.3. sender ==
// the registered connector connection is what distinguishes the reverse
// direction from the forward one; a connector is never itself an
// authorized agent for the service it serves.
func (s *Server) relay(sender *quic.Conn, rec *clientRecord, body []byte) {
	serviceID, inner, err := wire.DecodeServiceRoutedPacket(body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DroppedMalformed.Inc()
		}
		return
	}

	connectorConn, hasConnector := s.registry.Lookup(serviceID)
	wrapped := append([]byte{byte(wire.KindServiceRoutedPacket)}, body...)

	if hasConnector && sender == connectorConn {
		s.relayToAgent(serviceID, inner, wrapped)
		return
	}

	if !rec.identity.AuthorizesService(serviceID) {
		log.Printf("intermediate: %s not authorized for service %q, dropping", rec.observedAddr(), serviceID)
		return
	}
	if !hasConnector {
		if s.metrics != nil {
			s.metrics.DroppedNoRoute.Inc()
		}
		log.Printf("intermediate: no connector for service %q, dropping", serviceID)
		return
	}
	if tuple, err := innerFourTuple(inner); err == nil {
		s.agentRoutes.record(serviceID, tuple, sender)
	}
	if err := connectorConn.SendDatagram(wrapped); err != nil {
		log.Printf("intermediate: relay to connector for %q: %v", serviceID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RelayedDatagrams.Inc()
	}
}

// relayToAgent routes a connector's reply back to the agent connection
// that opened the flow identified by inner's 4-tuple.
func (s *Server) relayToAgent(serviceID string, inner []byte, wrapped []byte) {
	tuple, err := innerFourTuple(inner)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DroppedMalformed.Inc()
		}
		log.Printf("intermediate: malformed reply for %q: %v", serviceID, err)
		return
	}
	agentConn, ok := s.agentRoutes.lookup(serviceID, tuple.Reversed())
	if !ok {
		if s.metrics != nil {
			s.metrics.DroppedNoRoute.Inc()
		}
		log.Printf("intermediate: no agent route for %q flow %+v, dropping reply", serviceID, tuple.Reversed())
		return
	}
	if err := agentConn.SendDatagram(wrapped); err != nil {
		log.Printf("intermediate: relay reply to agent for %q: %v", serviceID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RelayedDatagrams.Inc()
	}
}

// reapIdleClients periodically closes connections that have been silent
// past their own idle timeout, in case quic-go's own idle-timeout path
// does not fire (e.g. a client that keeps the path alive with traffic for
// services it's not authorized for, starving legitimate activity tracking).
func (s *Server) reapIdleClients(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.mu.Lock()
			for conn, rec := range s.clients {
				if rec.idleSince() > idleCheckInterval*2 {
					_ = conn.CloseWithError(0, "idle timeout")
				}
			}
			s.mu.Unlock()
			s.agentRoutes.reapIdle(agentRouteTTL)
		}
	}
}

// Shutdown stops accepting new connections, sends APPLICATION_CLOSE to
// every connected client, and waits up to drainTimeout for the close to
// be acknowledged before returning, per spec.md §4.3.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	conns := make([]*quic.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseWithError(0, "server shutting down")
	}

	drain, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
drainLoop:
	for {
		s.mu.Lock()
		remaining := len(s.clients)
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-drain.Done():
			break drainLoop
		case <-ticker.C:
		}
	}
	return s.listener.Close()
}

// Reload swaps the TLS configuration used for new handshakes, per
// spec.md §4.3's SIGHUP hot-reload: existing connections keep their old
// keys until they close.
func (s *Server) Reload(tlsConf *tls.Config) {
	s.tlsConf.Store(tlsConf)
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
