// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package opsfeed runs the dedicated operational HTTP listener — /healthz,
// /metrics, and an optional /ws/events admin feed — required by spec.md §6
// to live apart from QUIC event handling. The /ws/events broadcaster
// reuses the teacher's ping/pong-with-deadline idiom (internal/control's
// WebSocket watcher). Events reach clients only through Broadcast; nothing
// in this repository calls Broadcast, so connected clients receive only
// pings.
package opsfeed

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event is a notification that Broadcast pushes to connected operators.
// It carries no protocol traffic; its only consumer is a human dashboard.
type Event struct {
	Type      string    `json:"type"`
	ServiceID string    `json:"service_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Server is the optional health/metrics/admin-feed listener. Binding to
// port 0 disables it (spec.md §5: "metrics endpoint is optional and may be
// disabled by binding to port 0").
type Server struct {
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	listeners map[*websocket.Conn]chan Event
	healthy   func() bool
}

// New builds a Server. healthy reports the QUIC listener's liveness for
// /healthz (spec.md §6: "200 when the QUIC listener is active").
func New(registry *prometheus.Registry, healthy func() bool) *Server {
	s := &Server{
		listeners: make(map[*websocket.Conn]chan Event),
		healthy:   healthy,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws/events", s.handleWSEvents)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Serve accepts connections on ln until the server is shut down. Disabled
// deployments simply never call Serve (bind port 0 upstream and skip it).
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes admin-feed sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.listeners {
		//nolint:errcheck // best-effort close during shutdown
		_ = conn.Close()
	}
	s.listeners = make(map[*websocket.Conn]chan Event)
	s.mu.Unlock()
	return s.httpSrv.Shutdown(ctx)
}

// Broadcast fans an event out to every connected admin-feed client.
// Slow/unresponsive clients are skipped rather than blocking the registry.
func (s *Server) Broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.healthy == nil || s.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
)

func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("opsfeed: ws upgrade failed: %v", err)
		return
	}

	ch := make(chan Event, 32)
	s.mu.Lock()
	s.listeners[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	go s.readLoop(conn, done)
	s.writeLoop(conn, ch, done)
}

func (s *Server) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, ch <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-ch:
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			//nolint:errcheck // best-effort deadline before write
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
