package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zquestz/nexus/internal/locale"
	"github.com/zquestz/nexus/internal/metrics"
	"github.com/zquestz/nexus/internal/presence"
	"github.com/zquestz/nexus/internal/protocol"
	"github.com/zquestz/nexus/internal/router"
	"github.com/zquestz/nexus/internal/store"
	"github.com/zquestz/nexus/internal/tlscert"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func startTestServer(t *testing.T, port int) *Server {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "nexus.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cert, err := tlscert.LoadOrGenerate(filepath.Join(dir, "nexus.crt"), filepath.Join(dir, "nexus.key"), nil)
	require.NoError(t, err)

	fmtr, err := locale.NewFormatter()
	require.NoError(t, err)

	clock := clockwork.NewRealClock()
	reg := presence.New(clock, testLog())
	rt := router.New(reg, metrics.New(), clock, testLog())

	srv, err := New(Config{
		Binds:             []string{"127.0.0.1"},
		Port:              port,
		TLSCert:           cert,
		Store:             st,
		Registry:          reg,
		Router:            rt,
		Formatter:         fmtr,
		Metrics:           metrics.New(),
		Clock:             clock,
		Log:               testLog(),
		ServerVersion:     protocol.Version{Major: 1, Minor: 0, Patch: 0},
		OutboundQueueSize: 16,
	})
	require.NoError(t, err)
	return srv
}

func dialClient(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func TestServerHandshakeAndLoginOverRealTLS(t *testing.T) {
	srv := startTestServer(t, 17500)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.ListenAndServe(ctx)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn := dialClient(t, "127.0.0.1:17500")
	defer conn.Close()

	send := func(v any) {
		b, err := protocol.Encode(v)
		require.NoError(t, err)
		_, err = conn.Write(b)
		require.NoError(t, err)
	}
	reader := bufio.NewReader(conn)
	recv := func() map[string]any {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		return m
	}

	send(protocol.HandshakeRequest{Type: protocol.TypeHandshake, ClientVersion: "1.0.0", Locale: "en"})
	hs := recv()
	require.Equal(t, protocol.TypeHandshakeOk, hs["type"])

	send(protocol.LoginRequest{Type: protocol.TypeLogin, Username: "Alice", Password: "hunter22"})
	lo := recv()
	require.Equal(t, protocol.TypeLoginOk, lo["type"])
	require.Equal(t, true, lo["is_admin"])
}

func TestServerEnforcesMaxConnectionsPerIP(t *testing.T) {
	srv := startTestServer(t, 17501)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, srv.cfg.Store.SetConfigInt(context.Background(), store.ConfigKeyMaxConnectionsPerIP, 1))

	go srv.ListenAndServe(ctx)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	first := dialClient(t, "127.0.0.1:17501")
	defer first.Close()

	// Give the first connection time to clear the TLS handshake and be
	// admitted before the second one dials in.
	time.Sleep(100 * time.Millisecond)

	second := dialClient(t, "127.0.0.1:17501")
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := second.Read(buf)
	require.Error(t, err, "second connection over the per-IP cap must be closed without processing any frame")
}
