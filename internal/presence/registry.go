// Package presence implements the authoritative in-memory index of
// Active sessions (spec.md §4.3): lookup by session ID, by user ID, by
// case-folded username, and a per-peer-IP count, kept consistent across
// a single mutex so no observer ever sees a half-registered session.
package presence

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zquestz/nexus/internal/permission"
	"github.com/zquestz/nexus/internal/protocol"
)

// EventKind distinguishes the two presence-transition events the
// Registry emits to the Message Router.
type EventKind int

const (
	EventUserConnected EventKind = iota
	EventUserDisconnected
)

// Event is published when the first session for a user joins, or the
// last session for a user leaves (spec.md §4.3).
type Event struct {
	Kind     EventKind
	Username string
}

// Sink is the delivery surface a registered Handle exposes to the
// Message Router. It is implemented by the session package.
type Sink interface {
	// TrySend attempts to enqueue an already-encoded frame without
	// blocking. It returns false if the session's outbound queue is at
	// capacity.
	TrySend(frame []byte) bool
	// Close transitions the owning session to Closing.
	Close()
}

// grant is the permission snapshot visible to concurrent readers of a
// Handle. A new grant value is installed wholesale on every update so
// readers never observe a torn (isAdmin, perms) pair.
type grant struct {
	isAdmin bool
	perms   permission.Set
}

// Handle is one Active session's registry entry. SessionID, UserID,
// Username, PeerIP, Locale, ClientVersion, ClientFeatures, and
// ConnectedAt are set once at registration and never mutated. The
// permission grant is mutated by the owning session task whenever its
// permissions change and read concurrently by the Message Router.
type Handle struct {
	SessionID      string
	UserID         int64
	Username       string
	PeerIP         string
	Locale         string
	ClientVersion  protocol.Version
	ClientFeatures []string
	ConnectedAt    time.Time
	Sink           Sink

	grant atomic.Value // grant
}

// SetPermissions installs the current permission grant for the session.
// Called by the owning session task at login and whenever an admin
// edits this user.
func (h *Handle) SetPermissions(isAdmin bool, perms permission.Set) {
	h.grant.Store(grant{isAdmin: isAdmin, perms: perms})
}

// Permissions returns the most recently installed permission grant.
func (h *Handle) Permissions() (isAdmin bool, perms permission.Set) {
	g, _ := h.grant.Load().(grant)
	return g.isAdmin, g.perms
}

// Has reports whether the session currently holds perm, either directly
// or by virtue of being an admin.
func (h *Handle) Has(perm permission.Permission) bool {
	isAdmin, perms := h.Permissions()
	return isAdmin || perms.Has(perm)
}

// Registry is the concurrency-safe multi-index presence table.
type Registry struct {
	mu sync.RWMutex

	bySession      map[string]*Handle
	byUser         map[int64]map[string]*Handle
	byUsernameFold map[string]map[string]*Handle
	byPeerIP       map[string]int

	events chan Event
	clock  clockwork.Clock
	log    *logrus.Entry
}

// New constructs an empty Registry.
func New(clock clockwork.Clock, log *logrus.Entry) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		bySession:      make(map[string]*Handle),
		byUser:         make(map[int64]map[string]*Handle),
		byUsernameFold: make(map[string]map[string]*Handle),
		byPeerIP:       make(map[string]int),
		events:         make(chan Event, 4096),
		clock:          clock,
		log:            log.WithField(trace.Component, "presence"),
	}
}

// Events returns the channel of UserConnected/UserDisconnected
// transitions. The Message Router is expected to drain it.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register atomically inserts h into every index. It returns an error
// if the session ID is already registered (a programmer error: callers
// must generate unique session IDs).
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()

	if _, exists := r.bySession[h.SessionID]; exists {
		r.mu.Unlock()
		return trace.AlreadyExists("session %s is already registered", h.SessionID)
	}

	h.ConnectedAt = r.clock.Now()
	r.bySession[h.SessionID] = h

	userSessions, ok := r.byUser[h.UserID]
	if !ok {
		userSessions = make(map[string]*Handle)
		r.byUser[h.UserID] = userSessions
	}
	firstForUser := len(userSessions) == 0
	userSessions[h.SessionID] = h

	fold := strings.ToLower(h.Username)
	foldSessions, ok := r.byUsernameFold[fold]
	if !ok {
		foldSessions = make(map[string]*Handle)
		r.byUsernameFold[fold] = foldSessions
	}
	foldSessions[h.SessionID] = h

	r.byPeerIP[h.PeerIP]++

	r.mu.Unlock()

	if firstForUser {
		r.publish(Event{Kind: EventUserConnected, Username: h.Username})
	}
	return nil
}

// Unregister atomically removes the session from every index. It is a
// no-op if the session is not registered.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()

	h, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)

	lastForUser := false
	if userSessions, ok := r.byUser[h.UserID]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, h.UserID)
			lastForUser = true
		}
	}

	fold := strings.ToLower(h.Username)
	if foldSessions, ok := r.byUsernameFold[fold]; ok {
		delete(foldSessions, sessionID)
		if len(foldSessions) == 0 {
			delete(r.byUsernameFold, fold)
		}
	}

	if n := r.byPeerIP[h.PeerIP] - 1; n <= 0 {
		delete(r.byPeerIP, h.PeerIP)
	} else {
		r.byPeerIP[h.PeerIP] = n
	}

	r.mu.Unlock()

	if lastForUser {
		r.publish(Event{Kind: EventUserDisconnected, Username: h.Username})
	}
}

// Get returns the handle for a session ID.
func (r *Registry) Get(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.bySession[sessionID]
	return h, ok
}

// ByUser returns a snapshot of every Active session for a user ID.
func (r *Registry) ByUser(userID int64) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byUser[userID]
	out := make([]*Handle, 0, len(sessions))
	for _, h := range sessions {
		out = append(out, h)
	}
	return out
}

// ByUsername resolves a case-insensitive username to the canonical
// stored username and its Active sessions.
func (r *Registry) ByUsername(username string) (canonical string, sessions []*Handle, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	folded := r.byUsernameFold[strings.ToLower(username)]
	if len(folded) == 0 {
		return "", nil, false
	}
	out := make([]*Handle, 0, len(folded))
	for _, h := range folded {
		canonical = h.Username
		out = append(out, h)
	}
	return canonical, out, true
}

// IsOnline reports whether username (case-insensitive) has at least one
// Active session.
func (r *Registry) IsOnline(username string) bool {
	_, _, ok := r.ByUsername(username)
	return ok
}

// All returns a snapshot of every Active handle, for ServerChat/Broadcast
// fan-out and UserList.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.bySession))
	for _, h := range r.bySession {
		out = append(out, h)
	}
	return out
}

// CountByPeerIP reports the number of Active sessions for a peer IP.
func (r *Registry) CountByPeerIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPeerIP[ip]
}

func (r *Registry) publish(e Event) {
	select {
	case r.events <- e:
	default:
		r.log.WithField("username", e.Username).Warn("presence event channel full, dropping event")
	}
}
