// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ErrServerClosed mirrors http.ErrServerClosed for callers that want to
// distinguish a deliberate Shutdown from a transport failure.
var ErrServerClosed = errors.New("fanout: server closed")

// Authenticator validates an inbound subscribe request and returns an
// opaque subject for logging; a nil Authenticator disables auth, which is
// only appropriate for loopback deployments.
type Authenticator func(r *http.Request) (subject string, err error)

// ServerConfig configures the websocket transport.
type ServerConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8089"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// subscribeRequest is the single JSON frame a client sends right after
// the upgrade to declare its interests (spec §4.8 "declares its
// interests"); topics are any of the fixed topic constants or
// `run:<id>`.
type subscribeRequest struct {
	Topics []string `json:"topics"`
}

// Server exposes the Hub over a websocket endpoint.
//
// Grounded on the teacher's internal/rpc.Server: same
// upgrader/connection-tracking/ping-ticker/graceful-shutdown shape,
// generalized from one flat broadcast set to per-connection topic
// subscriptions backed by Hub.
type Server struct {
	hub          *Hub
	cfg          ServerConfig
	logger       *slog.Logger
	authenticate Authenticator
	upgrader     websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool

	connMu      sync.Mutex
	connections map[*websocket.Conn]struct{}
}

// NewServer constructs a Server. authenticate may be nil.
func NewServer(hub *Hub, cfg ServerConfig, authenticate Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:          hub,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// Start begins serving in the background and returns immediately; errors
// from the listener surface asynchronously via the logger, matching the
// teacher's fire-and-forget Serve goroutine.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("fanout server starting", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("fanout server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var subject string
	if s.authenticate != nil {
		sub, err := s.authenticate(r)
		if err != nil {
			s.logger.Warn("fanout: subscribe rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = sub
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("fanout: upgrade failed", "error", err)
		return
	}

	var req subscribeRequest
	conn.SetReadDeadline(time.Now().Add(writeWait))
	if err := conn.ReadJSON(&req); err != nil || len(req.Topics) == 0 {
		s.logger.Warn("fanout: missing or invalid subscribe request", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}

	s.logger.Info("fanout: subscriber connected", "remote", r.RemoteAddr, "subject", subject, "topics", req.Topics)
	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	go s.serve(conn, req.Topics)
}

// serve fans frames from every subscribed topic into the connection until
// the client disconnects or a write fails. Each per-topic Subscriber is
// forwarded into a single output channel shared by this connection; if
// the connection can't keep up, the forwarder blocks on that output
// channel, which backpressures into the per-topic Hub subscriber, which
// the Hub then evicts as slow on its next publish (spec §4.8 "slow
// subscribers are disconnected... the core never blocks producers").
func (s *Server) serve(conn *websocket.Conn, topics []string) {
	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	subs := make(map[string]*Subscriber, len(topics))
	for _, topic := range topics {
		subs[topic] = s.hub.Subscribe(topic)
	}
	defer func() {
		for topic, sub := range subs {
			s.hub.Unsubscribe(topic, sub)
		}
	}()

	out := make(chan Frame, 64)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			for frame := range sub.Frames() {
				out <- frame
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go s.drainReads(conn)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainReads discards inbound messages (this protocol is server-push
// only past the initial subscribe) purely to keep the read deadline
// advancing via the pong handler and to detect client-initiated close.
func (s *Server) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Shutdown closes every open connection and stops the HTTP server,
// bounded by ServerConfig.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.connMu.Lock()
	for conn := range s.connections {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.connMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(shutdownCtx)
}
