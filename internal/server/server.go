// Package server implements the Listener + TLS Terminator (spec.md
// §4.1): it binds one or more IPv4/IPv6 endpoints, terminates TLS with
// the process-wide self-signed certificate, enforces the
// max_connections_per_ip DoS gate ahead of any frame processing, and
// hands each accepted connection to a new Session State Machine.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zquestz/nexus/internal/locale"
	"github.com/zquestz/nexus/internal/metrics"
	"github.com/zquestz/nexus/internal/presence"
	"github.com/zquestz/nexus/internal/protocol"
	"github.com/zquestz/nexus/internal/router"
	"github.com/zquestz/nexus/internal/session"
	"github.com/zquestz/nexus/internal/store"
)

// shutdownGrace bounds how long Shutdown waits for in-flight sessions to
// observe the Disconnected broadcast and close on their own before the
// listeners and store are torn down regardless.
const shutdownGrace = 3 * time.Second

// Config collects a Server's dependencies and tunables.
type Config struct {
	Binds    []string
	Port     int
	TLSCert  tls.Certificate
	Store    *store.Store
	Registry *presence.Registry
	Router   *router.Router
	Formatter *locale.Formatter
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Log      *logrus.Entry

	ServerVersion     protocol.Version
	ServerFeatures    []string
	HandshakeTimeout  time.Duration
	LoginTimeout      time.Duration
	OutboundQueueSize int
}

// CheckAndSetDefaults validates required dependencies and fills in
// tunables left at their zero value.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Binds) == 0 {
		return trace.BadParameter("at least one bind address must be provided")
	}
	if c.Port == 0 {
		return trace.BadParameter("Port must be provided")
	}
	if c.Store == nil {
		return trace.BadParameter("Store must be provided")
	}
	if c.Registry == nil {
		return trace.BadParameter("Registry must be provided")
	}
	if c.Router == nil {
		return trace.BadParameter("Router must be provided")
	}
	if c.Formatter == nil {
		return trace.BadParameter("Formatter must be provided")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "listener")
	}
	return nil
}

// Server is the Listener + TLS Terminator. One instance runs per
// process, owning every bound net.Listener and the per-peer-IP
// connection counter that backs the DoS gate (spec.md §4.1).
type Server struct {
	cfg Config

	listeners []net.Listener

	mu       sync.Mutex
	ipCounts map[string]int

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

// New constructs a Server without binding any listener yet.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg:      cfg,
		ipCounts: make(map[string]int),
	}, nil
}

// ListenAndServe binds every configured address, starts one accept loop
// per listener, and blocks until ctx is canceled or an unrecoverable
// bind error occurs. Per-connection work is handled asynchronously;
// ListenAndServe itself returns only once all accept loops have exited.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.TLSCert},
		MinVersion:   tls.VersionTLS12,
	}

	for _, bind := range s.cfg.Binds {
		addr := net.JoinHostPort(bind, strconv.Itoa(s.cfg.Port))
		ln, err := tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			s.closeListeners()
			return trace.Wrap(err, "binding %s", addr)
		}
		s.cfg.Log.WithField("addr", addr).Info("listening")
		s.listeners = append(s.listeners, ln)
	}

	for _, ln := range s.listeners {
		s.acceptWG.Add(1)
		go s.acceptLoop(ctx, ln)
	}

	<-ctx.Done()
	s.acceptWG.Wait()
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.cfg.Log.WithError(err).Warn("accept failed")
				return
			}
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn terminates TLS, enforces the per-IP DoS gate, and — if
// admitted — drives a Session to completion. The DoS gate closes a
// connection immediately after the TLS handshake completes and before
// any frame is read, per spec.md §4.1: "accepted through TLS and then
// immediately closed — no frames processed."
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := tlsConn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		conn.Close()
		return
	}

	peerIP := hostOf(conn.RemoteAddr())

	if !s.admit(ctx, peerIP) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DoSRejectionsTotal.Inc()
		}
		conn.Close()
		return
	}
	defer s.release(peerIP)

	sess, err := session.New(session.Config{
		Conn:              conn,
		PeerIP:            peerIP,
		Store:             s.cfg.Store,
		Registry:          s.cfg.Registry,
		Router:            s.cfg.Router,
		Formatter:         s.cfg.Formatter,
		Metrics:           s.cfg.Metrics,
		Clock:             s.cfg.Clock,
		Log:               s.cfg.Log,
		ServerVersion:     s.cfg.ServerVersion,
		ServerFeatures:    s.cfg.ServerFeatures,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		LoginTimeout:      s.cfg.LoginTimeout,
		OutboundQueueSize: s.cfg.OutboundQueueSize,
	})
	if err != nil {
		s.cfg.Log.WithError(err).Error("failed to construct session")
		conn.Close()
		return
	}
	sess.Serve(ctx)
}

// admit enforces max_connections_per_ip (spec.md §4.1, §3). It counts
// every connection from first TLS handshake through session teardown —
// pre-Active as well as Active — independent of the Presence Registry's
// own Active-only peer-IP index (see DESIGN.md, internal/presence).
func (s *Server) admit(ctx context.Context, peerIP string) bool {
	limit, err := s.cfg.Store.MaxConnectionsPerIP(ctx)
	if err != nil {
		limit = store.DefaultMaxConnectionsPerIP
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipCounts[peerIP] >= limit {
		return false
	}
	s.ipCounts[peerIP]++
	return true
}

func (s *Server) release(peerIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.ipCounts[peerIP] - 1; n <= 0 {
		delete(s.ipCounts, peerIP)
	} else {
		s.ipCounts[peerIP] = n
	}
}

// Shutdown stops every listener, broadcasts a synthetic Disconnected
// event to all sessions, gives them a grace period to drain, then closes
// the database (spec.md §5 "Server shutdown"). Removing any UPnP
// mapping is the caller's responsibility (cmd/nexusd), since the mapping
// is established outside the session core.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListeners()
	s.cfg.Router.Shutdown("server shutting down")

	done := make(chan struct{})
	go func() {
		s.acceptWG.Wait()
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.cfg.Log.Warn("shutdown grace period elapsed with sessions still draining")
	case <-ctx.Done():
	}

	return trace.Wrap(s.cfg.Store.Close())
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
