// Package session implements the Session State Machine (spec.md §4.2):
// one goroutine pair (reader + writer) per accepted connection, driving
// it through AwaitHandshake -> AwaitLogin -> Active -> Closing and
// dispatching Active-state requests to the store, presence registry, and
// message router.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zquestz/nexus/internal/auth"
	"github.com/zquestz/nexus/internal/locale"
	"github.com/zquestz/nexus/internal/metrics"
	"github.com/zquestz/nexus/internal/nexuserr"
	"github.com/zquestz/nexus/internal/permission"
	"github.com/zquestz/nexus/internal/presence"
	"github.com/zquestz/nexus/internal/protocol"
	"github.com/zquestz/nexus/internal/router"
	"github.com/zquestz/nexus/internal/store"
)

// storeTimeout bounds every database round-trip made while servicing a
// single frame.
const storeTimeout = 5 * time.Second

// State is a Session's position in the protocol lifecycle.
type State int32

const (
	StateAwaitHandshake State = iota
	StateAwaitLogin
	StateActive
	StateClosing
)

// Config collects a Session's dependencies and tunables.
type Config struct {
	Conn     net.Conn
	PeerIP   string
	Store    *store.Store
	Registry *presence.Registry
	Router   *router.Router
	Formatter *locale.Formatter
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Log      *logrus.Entry

	ServerVersion  protocol.Version
	ServerFeatures []string

	HandshakeTimeout  time.Duration
	LoginTimeout      time.Duration
	OutboundQueueSize int
	AuthParams        auth.Params
}

// CheckAndSetDefaults validates required dependencies and fills in
// tunables left at their zero value.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("Conn must be provided")
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
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = 30 * time.Second
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = 256
	}
	if c.AuthParams == (auth.Params{}) {
		c.AuthParams = auth.DefaultParams
	}
	return nil
}

// Session drives one accepted connection through the protocol lifecycle.
// Only its owning goroutine reads/mutates the post-login identity
// fields; the outbound queue and state are safe for concurrent access
// because other sessions' handlers (UserKick) and the Router reach them
// through the Sink/state surface only.
type Session struct {
	cfg Config

	id     string
	reader *bufio.Reader

	state     int32 // State, accessed atomically
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Set once during Handshake/Login; read-only afterward except by the
	// owning goroutine.
	clientVersion  protocol.Version
	locale         string
	clientFeatures []string

	userID   int64
	username string

	handle *presence.Handle

	log *logrus.Entry
}

// New constructs a Session for an accepted, already TLS-terminated
// connection.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	id := uuid.NewString()
	return &Session{
		cfg:      cfg,
		id:       id,
		reader:   bufio.NewReaderSize(cfg.Conn, protocol.MaxFrameLength+1024),
		outbound: make(chan []byte, cfg.OutboundQueueSize),
		done:     make(chan struct{}),
		log:      cfg.Log.WithFields(logrus.Fields{trace.Component: "session", "session_id": id}),
	}, nil
}

// ID returns the session's opaque, process-lifetime-unique identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// TrySend implements presence.Sink.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Close implements presence.Sink: it transitions the session to Closing
// and lets the writer goroutine flush best-effort before dropping the
// connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
	})
}

// Serve drives the session until the connection closes or a fatal error
// occurs. It always cleans up presence registration before returning.
func (s *Session) Serve(ctx context.Context) {
	defer s.cleanup()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	defer wg.Wait()

	_ = s.cfg.Conn.SetReadDeadline(s.cfg.Clock.Now().Add(s.cfg.HandshakeTimeout))

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		default:
		}

		line, err := protocol.ReadFrame(s.reader)
		if err != nil {
			var ne *nexuserr.Error
			if errors.As(err, &ne) {
				s.sendError(ne)
			}
			s.Close()
			return
		}

		if s.dispatch(line) {
			s.Close()
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			if _, err := s.cfg.Conn.Write(frame); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			s.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes already-enqueued frames best-effort (spec.md §5
// UserKick semantics) before closing the socket.
func (s *Session) drainAndClose() {
	for {
		select {
		case frame := <-s.outbound:
			_, _ = s.cfg.Conn.Write(frame)
		default:
			_ = s.cfg.Conn.Close()
			return
		}
	}
}

func (s *Session) cleanup() {
	if s.handle != nil {
		s.cfg.Registry.Unregister(s.id)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveSessions.Dec()
		}
	}
}

// dispatch routes one frame according to the current state and returns
// whether the session should close.
func (s *Session) dispatch(line []byte) bool {
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		return s.sendError(err)
	}

	switch s.State() {
	case StateAwaitHandshake:
		if env.Type != protocol.TypeHandshake {
			return s.sendError(nexuserr.New(nexuserr.KindHandshakeRequired, nil))
		}
		return s.handleHandshake(line)

	case StateAwaitLogin:
		switch env.Type {
		case protocol.TypeHandshake:
			return s.sendError(nexuserr.New(nexuserr.KindHandshakeAlreadyCompleted, nil))
		case protocol.TypeLogin:
			return s.handleLogin(line)
		default:
			return s.sendError(nexuserr.New(nexuserr.KindNotLoggedIn, nil))
		}

	case StateActive:
		switch env.Type {
		case protocol.TypeHandshake:
			return s.sendError(nexuserr.New(nexuserr.KindHandshakeAlreadyCompleted, nil))
		case protocol.TypeLogin:
			return s.sendError(nexuserr.New(nexuserr.KindAlreadyLoggedIn, nil))
		default:
			return s.dispatchActive(env.Type, line)
		}

	default:
		return true
	}
}

// sendError localizes and sends err as an ErrorFrame, returning whether
// the session should close as a result (spec.md §7).
func (s *Session) sendError(err error) bool {
	var ne *nexuserr.Error
	if !errors.As(err, &ne) {
		s.log.WithError(err).Error("internal error servicing frame")
		ne = nexuserr.New(nexuserr.KindDatabase, nil)
	}
	msg := s.cfg.Formatter.Format(ne.Kind, ne.Params, s.locale)
	frame, encErr := protocol.Encode(protocol.NewErrorFrame(ne, msg))
	if encErr != nil {
		s.log.WithError(encErr).Error("failed to encode error frame")
	} else {
		s.TrySend(frame)
	}
	return ne.Kind.ClosesSession()
}

func (s *Session) handleHandshake(line []byte) bool {
	var req protocol.HandshakeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}

	clientVer, err := protocol.ParseVersion(req.ClientVersion)
	if err != nil {
		return s.sendError(err)
	}
	if err := protocol.CheckCompatibility(clientVer, s.cfg.ServerVersion); err != nil {
		return s.sendError(err)
	}
	if err := protocol.ValidateLocale(req.Locale); err != nil {
		return s.sendError(err)
	}
	if err := protocol.ValidateFeatures(req.Features); err != nil {
		return s.sendError(err)
	}

	s.clientVersion = clientVer
	s.locale = req.Locale
	s.clientFeatures = req.Features

	s.setState(StateAwaitLogin)
	_ = s.cfg.Conn.SetReadDeadline(s.cfg.Clock.Now().Add(s.cfg.LoginTimeout))

	frame, err := protocol.Encode(protocol.HandshakeOkFrame{
		Type:           protocol.TypeHandshakeOk,
		ServerVersion:  s.cfg.ServerVersion.String(),
		ServerFeatures: s.cfg.ServerFeatures,
		ServerMajor:    s.cfg.ServerVersion.Major,
		ServerMinor:    s.cfg.ServerVersion.Minor,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to encode handshake_ok")
		return true
	}
	s.TrySend(frame)
	return false
}

func (s *Session) handleLogin(line []byte) bool {
	var req protocol.LoginRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return s.sendError(nexuserr.New(nexuserr.KindInvalidMessageFormat, nil))
	}
	if err := protocol.ValidateUsername(req.Username); err != nil {
		return s.sendError(err)
	}
	if err := protocol.ValidatePassword(req.Password); err != nil {
		return s.sendError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	user, err := s.cfg.Store.GetUserByUsername(ctx, req.Username)
	switch {
	case err != nil && isNotFoundErr(err):
		count, cerr := s.cfg.Store.CountUsers(ctx)
		if cerr != nil {
			return s.loginFail(cerr)
		}
		if count != 0 {
			return s.loginFail(nexuserr.New(nexuserr.KindInvalidCredentials, nil))
		}
		hash, herr := auth.Hash(req.Password, s.cfg.AuthParams)
		if herr != nil {
			return s.loginFail(herr)
		}
		user, err = s.cfg.Store.CreateUser(ctx, store.CreateUserParams{
			Username:     req.Username,
			PasswordHash: hash,
			IsAdmin:      true,
			Enabled:      true,
			Permissions:  permission.All,
			CreatedAt:    s.cfg.Clock.Now().Unix(),
		})
		if err != nil {
			return s.loginFail(err)
		}
	case err != nil:
		return s.loginFail(err)
	default:
		if !user.Enabled {
			return s.loginFail(nexuserr.New(nexuserr.KindAccountDisabledByAdmin, nil))
		}
		ok, verr := auth.Verify(req.Password, user.PasswordHash)
		if verr != nil {
			return s.loginFail(verr)
		}
		if !ok {
			return s.loginFail(nexuserr.New(nexuserr.KindInvalidCredentials, nil))
		}
	}

	perms, err := s.cfg.Store.GetUserPermissions(ctx, user.ID)
	if err != nil {
		return s.loginFail(err)
	}

	s.userID = user.ID
	s.username = user.Username

	handle := &presence.Handle{
		SessionID:      s.id,
		UserID:         user.ID,
		Username:       user.Username,
		PeerIP:         s.cfg.PeerIP,
		Locale:         s.locale,
		ClientVersion:  s.clientVersion,
		ClientFeatures: s.clientFeatures,
		Sink:           s,
	}
	handle.SetPermissions(user.IsAdmin, perms)
	if err := s.cfg.Registry.Register(handle); err != nil {
		return s.loginFail(err)
	}
	s.handle = handle

	s.setState(StateActive)
	_ = s.cfg.Conn.SetReadDeadline(time.Time{})

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LoginSuccessTotal.Inc()
		s.cfg.Metrics.ActiveSessions.Inc()
	}

	frame, ferr := protocol.Encode(protocol.LoginOkFrame{
		Type:        protocol.TypeLoginOk,
		SessionID:   s.id,
		UserID:      user.ID,
		Username:    user.Username,
		IsAdmin:     user.IsAdmin,
		Permissions: permissionStrings(perms.Slice()),
	})
	if ferr != nil {
		s.log.WithError(ferr).Error("failed to encode login_ok")
		return true
	}
	s.TrySend(frame)
	return false
}

// sendOk sends a generic success acknowledgment (protocol.OkFrame) for
// requests with no dedicated result frame.
func (s *Session) sendOk() {
	frame, err := protocol.Encode(protocol.OkFrame{Type: protocol.TypeOk})
	if err != nil {
		s.log.WithError(err).Error("failed to encode ok frame")
		return
	}
	s.TrySend(frame)
}

func (s *Session) loginFail(err error) bool {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LoginFailureTotal.Inc()
	}
	return s.sendError(err)
}

func isNotFoundErr(err error) bool {
	var ne *nexuserr.Error
	if errors.As(err, &ne) {
		return ne.Kind == nexuserr.KindUserNotFound
	}
	return trace.IsNotFound(err)
}

func permissionStrings(perms []permission.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
