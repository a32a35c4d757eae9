package router

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zquestz/nexus/internal/metrics"
	"github.com/zquestz/nexus/internal/permission"
	"github.com/zquestz/nexus/internal/presence"
)

type fakeSink struct {
	mu       sync.Mutex
	capacity int
	frames   [][]byte
	closed   bool
}

func newFakeSink(capacity int) *fakeSink {
	return &fakeSink{capacity: capacity}
}

func (f *fakeSink) TrySend(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) >= f.capacity {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return true
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestRouter(t *testing.T) (*Router, *presence.Registry) {
	t.Helper()
	reg := presence.New(clockwork.NewFakeClock(), testLog())
	r := New(reg, metrics.New(), clockwork.NewFakeClock(), testLog())
	t.Cleanup(r.Stop)
	return r, reg
}

func registerWithSink(t *testing.T, reg *presence.Registry, sessionID string, userID int64, username string, capacity int, isAdmin bool, perms ...permission.Permission) (*presence.Handle, *fakeSink) {
	t.Helper()
	sink := newFakeSink(capacity)
	h := &presence.Handle{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		PeerIP:    "10.0.0.1",
		Sink:      sink,
	}
	h.SetPermissions(isAdmin, permission.NewSet(perms))
	require.NoError(t, reg.Register(h))
	return h, sink
}

func TestServerChatOnlyReachesChatReceiveHolders(t *testing.T) {
	r, reg := newTestRouter(t)
	sender, senderSink := registerWithSink(t, reg, "s1", 1, "alice", 10, false, permission.ChatSend, permission.ChatReceive)
	_, noReceiveSink := registerWithSink(t, reg, "s2", 2, "bob", 10, false, permission.ChatSend)

	r.ServerChat(sender, "hello", 1000)

	require.Len(t, senderSink.snapshot(), 1, "sender echoes to itself")
	require.Len(t, noReceiveSink.snapshot(), 0)
}

func TestDirectMessageDeliversAndEchoes(t *testing.T) {
	r, reg := newTestRouter(t)
	sender, senderSink := registerWithSink(t, reg, "s1", 1, "alice", 10, false, permission.UserMessage)
	_, targetSink := registerWithSink(t, reg, "s2", 2, "bob", 10, false, permission.UserMessage)

	err := r.DirectMessage(sender, "bob", "hi", 1000)
	require.NoError(t, err)
	require.Len(t, targetSink.snapshot(), 1)
	require.Len(t, senderSink.snapshot(), 1)
}

func TestDirectMessageTargetOfflineFails(t *testing.T) {
	r, reg := newTestRouter(t)
	sender, _ := registerWithSink(t, reg, "s1", 1, "alice", 10, false, permission.UserMessage)

	err := r.DirectMessage(sender, "nobody", "hi", 1000)
	require.Error(t, err)
}

func TestDirectMessageTargetLacksPermissionIsNotOnline(t *testing.T) {
	r, reg := newTestRouter(t)
	sender, _ := registerWithSink(t, reg, "s1", 1, "alice", 10, false, permission.UserMessage)
	registerWithSink(t, reg, "s2", 2, "bob", 10, false)

	err := r.DirectMessage(sender, "bob", "hi", 1000)
	require.Error(t, err)
}

func TestBroadcastReachesEveryoneRegardlessOfPermissions(t *testing.T) {
	r, reg := newTestRouter(t)
	admin, adminSink := registerWithSink(t, reg, "s1", 1, "alice", 10, true)
	_, otherSink := registerWithSink(t, reg, "s2", 2, "bob", 10, false)

	r.Broadcast(admin, "server going down", 1000)

	require.Len(t, adminSink.snapshot(), 1)
	require.Len(t, otherSink.snapshot(), 1)
}

func TestTopicChangedOnlyReachesChatTopicHolders(t *testing.T) {
	r, reg := newTestRouter(t)
	_, withSink := registerWithSink(t, reg, "s1", 1, "alice", 10, false, permission.ChatTopic)
	_, withoutSink := registerWithSink(t, reg, "s2", 2, "bob", 10, false)

	r.TopicChanged("welcome", "alice")

	require.Len(t, withSink.snapshot(), 1)
	require.Len(t, withoutSink.snapshot(), 0)
}

func TestQueueFullClosesOnlyThatSession(t *testing.T) {
	r, reg := newTestRouter(t)
	admin, adminSink := registerWithSink(t, reg, "s1", 1, "alice", 10, true)
	_, fullSink := registerWithSink(t, reg, "s2", 2, "bob", 0, false)
	_, otherSink := registerWithSink(t, reg, "s3", 3, "carol", 10, false)

	r.Broadcast(admin, "hi", 1000)

	require.True(t, fullSink.isClosed())
	require.Len(t, otherSink.snapshot(), 1)
	require.Len(t, adminSink.snapshot(), 1)
	_, stillRegistered := reg.Get("s2")
	require.False(t, stillRegistered)
}

func TestKickClosesEverySessionOfUser(t *testing.T) {
	r, reg := newTestRouter(t)
	_, sink1 := registerWithSink(t, reg, "s1", 1, "alice", 10, false)
	registerWithSink(t, reg, "s2", 1, "alice", 10, false)

	ok := r.Kick("alice", "admin")
	require.True(t, ok)
	require.Len(t, sink1.snapshot(), 1)
	require.True(t, sink1.isClosed())
}

func TestKickUnknownUserReturnsFalse(t *testing.T) {
	r, _ := newTestRouter(t)
	require.False(t, r.Kick("nobody", "admin"))
}

func TestPresenceEventsFanOutToAllSessions(t *testing.T) {
	r, reg := newTestRouter(t)
	_, sink1 := registerWithSink(t, reg, "s1", 1, "alice", 10, false)

	registerWithSink(t, reg, "s2", 2, "bob", 10, false)

	require.Eventually(t, func() bool {
		return len(sink1.snapshot()) >= 1
	}, time.Second, 10*time.Millisecond)
}
