package presence

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type noopSink struct{}

func (noopSink) TrySend([]byte) bool { return true }
func (noopSink) Close()              {}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func handle(sessionID string, userID int64, username, peerIP string) *Handle {
	return &Handle{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		PeerIP:    peerIP,
		Sink:      noopSink{},
	}
}

func TestRegisterEmitsConnectedOnceForMultiSession(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())

	require.NoError(t, r.Register(handle("s1", 1, "alice", "10.0.0.1")))
	require.NoError(t, r.Register(handle("s2", 1, "alice", "10.0.0.2")))

	require.Len(t, r.events, 1)
	ev := <-r.events
	require.Equal(t, EventUserConnected, ev.Kind)
	require.Equal(t, "alice", ev.Username)
}

func TestUnregisterEmitsDisconnectedOnlyWhenLastSessionLeaves(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())

	require.NoError(t, r.Register(handle("s1", 1, "alice", "10.0.0.1")))
	require.NoError(t, r.Register(handle("s2", 1, "alice", "10.0.0.2")))
	<-r.events // drain the connected event

	r.Unregister("s1")
	require.Len(t, r.events, 0, "no event for the non-last session leaving")

	r.Unregister("s2")
	require.Len(t, r.events, 1)
	ev := <-r.events
	require.Equal(t, EventUserDisconnected, ev.Kind)
	require.Equal(t, "alice", ev.Username)
}

func TestByUsernameCaseInsensitiveReturnsCanonical(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())
	require.NoError(t, r.Register(handle("s1", 1, "Alice", "10.0.0.1")))

	canonical, sessions, ok := r.ByUsername("ALICE")
	require.True(t, ok)
	require.Equal(t, "Alice", canonical)
	require.Len(t, sessions, 1)

	_, _, ok = r.ByUsername("bob")
	require.False(t, ok)
}

func TestUnregisterUnknownSessionIsNoop(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())
	r.Unregister("does-not-exist")
	require.Empty(t, r.All())
}

func TestRegisterDuplicateSessionIDFails(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())
	require.NoError(t, r.Register(handle("s1", 1, "alice", "10.0.0.1")))
	err := r.Register(handle("s1", 2, "bob", "10.0.0.2"))
	require.Error(t, err)
}

func TestCountByPeerIP(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())
	require.NoError(t, r.Register(handle("s1", 1, "alice", "10.0.0.1")))
	require.NoError(t, r.Register(handle("s2", 2, "bob", "10.0.0.1")))
	require.Equal(t, 2, r.CountByPeerIP("10.0.0.1"))

	r.Unregister("s1")
	require.Equal(t, 1, r.CountByPeerIP("10.0.0.1"))

	r.Unregister("s2")
	require.Equal(t, 0, r.CountByPeerIP("10.0.0.1"))
}

func TestAllReturnsEveryActiveSession(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())
	require.NoError(t, r.Register(handle("s1", 1, "alice", "10.0.0.1")))
	require.NoError(t, r.Register(handle("s2", 2, "bob", "10.0.0.2")))
	require.Len(t, r.All(), 2)

	r.Unregister("s1")
	require.Len(t, r.All(), 1)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New(clockwork.NewFakeClock(), testLog())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			require.NoError(t, r.Register(handle(id, int64(i), fmt.Sprintf("user%d", i), "10.0.0.1")))
			r.Unregister(id)
		}()
	}
	wg.Wait()
	require.Empty(t, r.All())
	require.Equal(t, 0, r.CountByPeerIP("10.0.0.1"))
}
