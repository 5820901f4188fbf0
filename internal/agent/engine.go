// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hfyeomans/ztna-agent-sub002/internal/holepunch"
	"github.com/hfyeomans/ztna-agent-sub002/internal/ipnet"
	"github.com/hfyeomans/ztna-agent-sub002/internal/wire"
)

var (
	ErrNotConnected      = errors.New("agent: not connected to relay")
	ErrNoLocalAddr       = errors.New("agent: set_local_addr must be called before connect")
	ErrDatagramTooLarge  = errors.New("agent: inner packet exceeds the live QUIC datagram limit")
	ErrServiceNotMatched = errors.New("agent: no direct connection established for service")
)

// tickInterval bounds how long TimeoutMillis ever reports when nothing else
// is due; it keeps reconnect/keepalive/registration checks responsive even
// if every per-item deadline momentarily lands beyond it.
const tickInterval = 250 * time.Millisecond

// Engine is the sans-IO QUIC client described in spec.md §4.2 and §9: it
// owns no socket and no clock. Inbound UDP arrives via Recv, outbound UDP
// is drained via Poll, and wall-clock progress is driven by the embedder
// calling TimeoutMillis/OnTimeout. Internally it runs quic-go over a
// virtualPacketConn (see vconn.go) rather than a real net.PacketConn, so
// every byte that crosses a real socket still passes through the
// embedder's Recv/Poll calls.
type Engine struct {
	mu sync.Mutex

	tlsConf  *tls.Config
	quicConf *quic.Config

	localAddr *net.UDPAddr
	vconn     *virtualPacketConn
	transport *quic.Transport

	state     State
	relayAddr *net.UDPAddr
	relay     *quic.Conn
	relayCtx  context.Context
	relayStop context.CancelFunc

	routes    *RouteTable
	recvQueue *datagramQueue

	registrations map[string]*registration
	paths         map[string]*servicePath
	sessions      map[string]*holepunch.Session
	directConns   map[string]*quic.Conn
	directStop    map[string]context.CancelFunc

	observedAddr      *net.UDPAddr
	reconnect         *wire.ReconnectBackoff
	reconnectDueAt    time.Time
	lastErr           error
	pendingProbes     []holepunch.ProbeOut
	lastRelayKeepSent time.Time
}

// NewEngine constructs an idle Engine. tlsConf must present the caller's
// mTLS client certificate; quicConf may be nil to accept quic-go defaults
// plus datagram support.
func NewEngine(tlsConf *tls.Config, quicConf *quic.Config) *Engine {
	if quicConf == nil {
		quicConf = &quic.Config{}
	}
	quicConf.EnableDatagrams = true
	return &Engine{
		tlsConf:       tlsConf,
		quicConf:      quicConf,
		state:         StateDisconnected,
		routes:        NewRouteTable(),
		recvQueue:     newDatagramQueue(DefaultQueueDepth),
		registrations: make(map[string]*registration),
		paths:         make(map[string]*servicePath),
		sessions:      make(map[string]*holepunch.Session),
		directConns:   make(map[string]*quic.Conn),
		directStop:    make(map[string]context.CancelFunc),
		reconnect:     wire.NewReconnectBackoff(),
	}
}

// Routes exposes the externally-supplied route table spec.md §4.2
// describes for SendDatagram's service lookup.
func (e *Engine) Routes() *RouteTable { return e.routes }

// GetState returns the coarse connection state for embedder display.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetLocalAddr binds the engine's virtual socket to ip:port. It must be
// called before Connect; the address is what quic-go reports to peers for
// path validation purposes.
func (e *Engine) SetLocalAddr(ip string, port int) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("agent: invalid local address %q", ip)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localAddr = &net.UDPAddr{IP: parsed, Port: port}
	e.vconn = newVirtualPacketConn(e.localAddr, DefaultQueueDepth)
	e.transport = &quic.Transport{Conn: e.vconn}
	return nil
}

// Connect dials the Intermediate relay at host:port. SetLocalAddr must
// have been called first.
func (e *Engine) Connect(ctx context.Context, host string, port int) error {
	e.mu.Lock()
	if e.transport == nil {
		e.mu.Unlock()
		return ErrNoLocalAddr
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	relayAddr := &net.UDPAddr{IP: ips[0], Port: port}
	e.relayAddr = relayAddr
	e.state = StateConnecting
	transport := e.transport
	tlsConf := e.tlsConf
	quicConf := e.quicConf
	e.mu.Unlock()

	conn, err := transport.Dial(ctx, relayAddr, tlsConf, quicConf)
	if err != nil {
		e.mu.Lock()
		e.state = StateError
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	relayCtx, stop := context.WithCancel(context.Background())
	e.mu.Lock()
	e.relay = conn
	e.relayCtx = relayCtx
	e.relayStop = stop
	e.state = StateConnected
	e.reconnect.Reset()
	e.mu.Unlock()

	go e.pumpRelayDatagrams(conn, relayCtx)
	return nil
}

// Recv hands one inbound UDP datagram to the engine. It never blocks; a
// saturated internal queue drops the datagram, matching the backpressure
// policy the embedder-facing queues elsewhere in this module use.
func (e *Engine) Recv(data []byte, fromIP string, fromPort int) bool {
	e.mu.Lock()
	vc := e.vconn
	e.mu.Unlock()
	if vc == nil {
		return false
	}
	from := &net.UDPAddr{IP: net.ParseIP(fromIP), Port: fromPort}
	return vc.deliver(data, from)
}

// Poll drains the next outbound UDP datagram the engine wants sent, if
// any.
func (e *Engine) Poll() (data []byte, toIP string, toPort int, ok bool) {
	e.mu.Lock()
	vc := e.vconn
	e.mu.Unlock()
	if vc == nil {
		return nil, "", 0, false
	}
	p, ok := vc.drain()
	if !ok {
		return nil, "", 0, false
	}
	udpAddr, _ := p.to.(*net.UDPAddr)
	if udpAddr == nil {
		return p.data, "", 0, true
	}
	return p.data, udpAddr.IP.String(), udpAddr.Port, true
}

// SendDatagram enqueues innerPacket for transmission, routed per spec.md
// §4.2: a configured destination is sent 0x2F-wrapped over the direct
// path if nominated, else over the relay; an unconfigured destination is
// sent raw over the relay only.
func (e *Engine) SendDatagram(innerPacket []byte) error {
	hdr, err := ipnet.ParseIPv4Header(innerPacket)
	if err != nil {
		e.mu.Lock()
		relay := e.relay
		e.mu.Unlock()
		if relay == nil {
			return ErrNotConnected
		}
		return e.sendViaConn(relay, innerPacket)
	}

	serviceID, matched := e.routes.Lookup(hdr.DstIP)
	e.mu.Lock()
	relay := e.relay
	direct := e.directConns[serviceID]
	if p, ok := e.paths[serviceID]; ok && p.path != PathDirect {
		direct = nil
	}
	e.mu.Unlock()
	if relay == nil {
		return ErrNotConnected
	}

	if !matched {
		return e.sendViaConn(relay, innerPacket)
	}

	wrapped, err := wire.EncodeServiceRoutedPacket(serviceID, innerPacket)
	if err != nil {
		return err
	}
	if direct != nil {
		return e.sendViaConn(direct, wrapped)
	}
	return e.sendViaConn(relay, wrapped)
}

// SendDatagramP2P sends a pre-built inner packet directly to a nominated
// peer for serviceID, bypassing route-table lookup. It is the Go
// equivalent of the FFI surface's send_datagram_p2p.
func (e *Engine) SendDatagramP2P(serviceID string, innerPacket []byte) error {
	e.mu.Lock()
	direct := e.directConns[serviceID]
	e.mu.Unlock()
	if direct == nil {
		return ErrServiceNotMatched
	}
	wrapped, err := wire.EncodeServiceRoutedPacket(serviceID, innerPacket)
	if err != nil {
		return err
	}
	return e.sendViaConn(direct, wrapped)
}

func (e *Engine) sendViaConn(conn *quic.Conn, payload []byte) error {
	if err := conn.SendDatagram(payload); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return ErrDatagramTooLarge
		}
		return err
	}
	return nil
}

// RecvDatagram dequeues the next decapsulated inner packet, if any.
func (e *Engine) RecvDatagram() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvQueue.Pop()
}

// Register requests registration of serviceID. The actual 0x10 send, its
// retries, and backoff are driven by OnTimeout, per the shared
// registration backoff policy.
func (e *Engine) Register(serviceID string) error {
	if err := wire.ValidateServiceID(serviceID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relay == nil {
		return ErrNotConnected
	}
	if _, exists := e.registrations[serviceID]; exists {
		return nil
	}
	e.registrations[serviceID] = newRegistration(serviceID)
	e.paths[serviceID] = newServicePath(serviceID)
	return nil
}

// StartHolePunch begins a hole-punch session for serviceID using the
// locally gathered candidates and the QAD-observed address, per spec.md
// §4.2.
func (e *Engine) StartHolePunch(serviceID string, localCandidates []*net.UDPAddr) (*wire.SignalMessage, error) {
	sess, err := holepunch.NewSession(serviceID)
	if err != nil {
		return nil, err
	}
	for _, c := range localCandidates {
		sess.AddLocalCandidate(c)
	}
	e.mu.Lock()
	if e.observedAddr != nil {
		e.mu.Unlock()
		sess.AddLocalCandidate(e.observedAddr)
		e.mu.Lock()
	}
	e.sessions[serviceID] = sess
	e.mu.Unlock()

	return &wire.SignalMessage{
		Kind:       wire.SignalCandidateOffer,
		ServiceID:  serviceID,
		SessionID:  sess.SessionID,
		Candidates: addrsToCandidates(sess.LocalCandidates()),
	}, nil
}

// ProcessBindingResponse feeds an inbound binding-response into the named
// service's hole-punch session. On election it dials the direct QUIC
// connection to the winning peer.
func (e *Engine) ProcessBindingResponse(serviceID string, from *net.UDPAddr, datagram []byte) error {
	e.mu.Lock()
	sess := e.sessions[serviceID]
	transport := e.transport
	tlsConf := e.tlsConf
	quicConf := e.quicConf
	e.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("agent: no hole-punch session for %q", serviceID)
	}
	addr, ok := sess.HandleBindingResponse(from, datagram)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), holepunch.ProbeDeadline*4)
	defer cancel()
	conn, err := transport.Dial(ctx, addr, tlsConf, quicConf)
	if err != nil {
		sess.Fail()
		return err
	}

	pumpCtx, stop := context.WithCancel(context.Background())
	e.mu.Lock()
	e.directConns[serviceID] = conn
	e.directStop[serviceID] = stop
	if p, ok := e.paths[serviceID]; ok {
		p.Nominate(addr.String())
	}
	e.mu.Unlock()
	go e.pumpDirectDatagrams(serviceID, conn, pumpCtx)
	return nil
}

// PollBindingRequest drains one outstanding binding-request the embedder
// must send on behalf of a hole-punch session currently Probing.
func (e *Engine) PollBindingRequest(serviceID string) (holepunch.ProbeOut, bool) {
	e.mu.Lock()
	sess := e.sessions[serviceID]
	e.mu.Unlock()
	if sess == nil {
		return holepunch.ProbeOut{}, false
	}
	if sess.State() == holepunch.Gathering {
		probes, err := sess.BeginProbing()
		if err != nil || len(probes) == 0 {
			return holepunch.ProbeOut{}, false
		}
		e.mu.Lock()
		e.pendingProbes = append(e.pendingProbes, probes...)
		e.mu.Unlock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingProbes) == 0 {
		return holepunch.ProbeOut{}, false
	}
	p := e.pendingProbes[0]
	e.pendingProbes = e.pendingProbes[1:]
	return p, true
}

// IsP2PConnected reports whether serviceID currently has a nominated
// direct connection.
func (e *Engine) IsP2PConnected(serviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.directConns[serviceID]
	if p, has := e.paths[serviceID]; has && p.path != PathDirect {
		return false
	}
	return ok
}

// GetObservedAddress returns the address the Intermediate reported back
// via QUIC Address Discovery, if any has arrived yet.
func (e *Engine) GetObservedAddress() (*net.UDPAddr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observedAddr, e.observedAddr != nil
}

// GetActivePath reports the dominant path across all services: Direct if
// any service has a nominated direct connection, Relay if connected but
// none do, None otherwise. Per-service detail is available via
// GetPathStats.
func (e *Engine) GetActivePath() Path {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relay == nil {
		return PathNone
	}
	for _, p := range e.paths {
		if p.path == PathDirect {
			return PathDirect
		}
	}
	return PathRelay
}

// GetPathStats reports keepalive/RTT/fallback detail for one service.
func (e *Engine) GetPathStats(serviceID string) PathStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.paths[serviceID]
	if !ok {
		return PathStats{}
	}
	return p.stats()
}

// IsInFallback reports whether serviceID recently dropped from Direct
// back to Relay after missed keepalives.
func (e *Engine) IsInFallback(serviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.paths[serviceID]
	if !ok {
		return false
	}
	return p.InFallback()
}

// Destroy cooperatively tears the engine down: closing connections,
// cancelling pump goroutines, and releasing the virtual socket.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relayStop != nil {
		e.relayStop()
	}
	if e.relay != nil {
		_ = e.relay.CloseWithError(0, "")
	}
	for id, conn := range e.directConns {
		_ = conn.CloseWithError(0, "")
		if stop, ok := e.directStop[id]; ok {
			stop()
		}
	}
	if e.vconn != nil {
		_ = e.vconn.Close()
	}
	e.state = StateClosed
}

func addrsToCandidates(addrs []*net.UDPAddr) []wire.Candidate {
	out := make([]wire.Candidate, len(addrs))
	for i, a := range addrs {
		out[i] = wire.Candidate{IP: a.IP.String(), Port: uint16(a.Port)}
	}
	return out
}

// pumpRelayDatagrams reads QUIC datagrams off the relay connection for its
// lifetime, dispatching each by wire kind. This mirrors the teacher's own
// receive-loop goroutine in dataplane/quic.go; the difference is that the
// loop runs over a virtual socket the embedder pumps, not a real one.
func (e *Engine) pumpRelayDatagrams(conn *quic.Conn, ctx context.Context) {
	for {
		payload, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			e.mu.Lock()
			if e.state != StateClosed {
				e.state = StateError
				e.lastErr = err
			}
			e.mu.Unlock()
			return
		}
		e.handleInboundDatagram("", payload)
	}
}

// pumpDirectDatagrams mirrors pumpRelayDatagrams for a nominated direct
// connection to serviceID. Its datagrams are always 0x2F-wrapped for that
// one service, so no further routing is needed.
func (e *Engine) pumpDirectDatagrams(serviceID string, conn *quic.Conn, ctx context.Context) {
	for {
		payload, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			e.mu.Lock()
			delete(e.directConns, serviceID)
			if p, ok := e.paths[serviceID]; ok {
				p.path = PathRelay
			}
			e.mu.Unlock()
			return
		}
		e.handleInboundDatagram(serviceID, payload)
	}
}

// handleInboundDatagram dispatches one decoded overlay datagram. expectID,
// when non-empty, is the service id a direct connection is already
// dedicated to.
func (e *Engine) handleInboundDatagram(expectID string, payload []byte) {
	kind, body, err := wire.Decode(payload)
	if err != nil {
		log.Printf("agent: dropping undecodable datagram: %v", err)
		return
	}
	switch kind {
	case wire.KindObservedAddress:
		obs, err := wire.DecodeObservedAddress(body)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.observedAddr = &net.UDPAddr{IP: obs.IP, Port: int(obs.Port)}
		e.mu.Unlock()
	case wire.KindRegisterACK:
		serviceID, err := wire.DecodeRegistration(body)
		if err != nil {
			return
		}
		e.mu.Lock()
		if reg, ok := e.registrations[serviceID]; ok {
			reg.MarkAcked()
		}
		e.mu.Unlock()
	case wire.KindRegisterNACK:
		// A NACK is handled like a timeout: the registration stays pending
		// and OnTimeout resends it on the retry schedule until MarkSent
		// finds the retry budget exhausted.
		if _, _, err := wire.DecodeRegisterNACK(body); err != nil {
			return
		}
	case wire.KindPathKeepalive:
		e.mu.Lock()
		if p, ok := e.paths[expectID]; ok {
			p.RecordKeepaliveAck(time.Now())
		}
		e.mu.Unlock()
	case wire.KindRelayPing:
		// The Intermediate never sends one of these back; present for
		// completeness against wire.Decode's accepted kinds.
	case wire.KindServiceRoutedPacket:
		_, inner, err := wire.DecodeServiceRoutedPacket(body)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.recvQueue.Push(inner)
		e.mu.Unlock()
	default:
		log.Printf("agent: unhandled datagram kind %#x", kind)
	}
}
