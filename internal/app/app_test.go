package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/storage/memstore"
	"github.com/Tyrowin/nexus-chat-server/internal/storage/sqlitestore"
)

func TestParseSeedRooms(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[int64][]string
		wantErr bool
	}{
		{name: "empty", in: "", want: map[int64][]string{}},
		{
			name: "two rooms",
			in:   "42:alice,bob;7:carol",
			want: map[int64][]string{42: {"alice", "bob"}, 7: {"carol"}},
		},
		{
			name: "whitespace and empty entries",
			in:   " 42 : alice , ,bob ;; ",
			want: map[int64][]string{42: {"alice", "bob"}},
		},
		{
			name: "repeated room accumulates",
			in:   "42:alice;42:bob",
			want: map[int64][]string{42: {"alice", "bob"}},
		},
		{name: "missing colon", in: "42alice", wantErr: true},
		{name: "room not a number", in: "lobby:alice", wantErr: true},
		{name: "room zero", in: "0:alice", wantErr: true},
		{name: "negative room", in: "-3:alice", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSeedRooms(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeedMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()
	rooms := map[int64][]string{42: {"alice", "bob"}, 7: {"alice"}}

	mem := memstore.New()
	require.NoError(t, seed(ctx, mem, rooms))
	got, err := mem.RoomsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 42}, got)

	lite, err := sqlitestore.Open(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })
	require.NoError(t, seed(ctx, lite, rooms))
	ok, err := lite.IsParticipant(ctx, 42, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func baseConfig(t *testing.T) server.Config {
	t.Helper()
	t.Cleanup(func() { server.SetConfig(nil) })

	cfg := *server.NewConfig()
	cfg.Port = "127.0.0.1:0"
	cfg.NodeID = "node-test"
	cfg.SeedRooms = "42:alice,bob"
	cfg.JWTSecret = "app-test-secret"
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

// readFrames reads one websocket message and splits it into frames.
func readFrames(t *testing.T, conn *websocket.Conn) []server.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frames []server.Frame
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		var f server.Frame
		require.NoError(t, json.Unmarshal(line, &f))
		frames = append(frames, f)
	}
	return frames
}

func awaitFrame(t *testing.T, conn *websocket.Conn, event string) server.Frame {
	t.Helper()
	for {
		for _, f := range readFrames(t, conn) {
			if f.Event == event {
				return f
			}
		}
	}
}

// exercise connects two users through the node's routes and checks that a
// message reaches the other participant.
func exercise(t *testing.T, a *App, cfg server.Config) {
	t.Helper()

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	require.NoError(t, err)

	dial := func(user string) *websocket.Conn {
		token, err := verifier.Issue(auth.Identity{UserID: user}, time.Hour)
		require.NoError(t, err)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
		conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:8080"}})
		require.NoError(t, err)
		_ = resp.Body.Close()
		t.Cleanup(func() { _ = conn.Close() })

		var ready server.SessionReady
		require.NoError(t, json.Unmarshal(awaitFrame(t, conn, server.EventSessionReady).Data, &ready))
		assert.Equal(t, []int64{42}, ready.Rooms)
		assert.Equal(t, a.Node(), ready.Node)
		return conn
	}

	alice := dial("alice")
	bob := dial("bob")

	send, err := json.Marshal(map[string]any{
		"event":     "message:send",
		"requestId": "1",
		"data":      map[string]any{"roomId": 42, "content": "wired up"},
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, send))

	f := awaitFrame(t, bob, "message:new")
	var msg struct {
		SenderID string `json:"senderId"`
		Content  string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "wired up", msg.Content)
	assert.Equal(t, 2, a.Hub().ConnectionCount())
}

func TestAppDrivers(t *testing.T) {
	tests := []struct {
		name      string
		configure func(t *testing.T, cfg *server.Config)
	}{
		{
			name:      "memory",
			configure: func(*testing.T, *server.Config) {},
		},
		{
			name: "redis presence and fanout with sqlite storage",
			configure: func(t *testing.T, cfg *server.Config) {
				mr := miniredis.RunT(t)
				cfg.PresenceDriver = "redis"
				cfg.FanoutDriver = "redis"
				cfg.RedisURL = "redis://" + mr.Addr() + "/0"
				cfg.StorageDriver = "sqlite"
				cfg.SQLitePath = filepath.Join(t.TempDir(), "nexus.db")
			},
		},
		{
			name: "nats fanout in ack mode",
			configure: func(t *testing.T, cfg *server.Config) {
				s := natstest.RunRandClientPortServer()
				t.Cleanup(s.Shutdown)
				cfg.FanoutDriver = "nats"
				cfg.NATSURL = s.ClientURL()
				cfg.DeliveryMode = "ack"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.configure(t, &cfg)

			ctx := context.Background()
			a, err := New(ctx, cfg)
			require.NoError(t, err)
			require.NoError(t, a.Start(ctx))

			exercise(t, a, cfg)

			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			require.NoError(t, a.Shutdown(shutdownCtx))
			assert.Equal(t, 0, a.Hub().ConnectionCount())
		})
	}
}

func TestStartPurgesStaleConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.PresenceDriver = "redis"
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	ctx := context.Background()

	// A previous run of the same node crashed with bob connected.
	crashed, err := New(ctx, cfg)
	require.NoError(t, err)
	_, err = crashed.presence.Register(ctx, "bob", "stale-conn")
	require.NoError(t, err)
	require.NoError(t, crashed.closeBackends())

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	online, err := a.presence.IsOnline(ctx, "bob")
	require.NoError(t, err)
	require.True(t, online)

	require.NoError(t, a.Start(ctx))
	online, err = a.presence.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, a.Shutdown(ctx))
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name      string
		configure func(cfg *server.Config)
	}{
		{name: "unknown presence driver", configure: func(cfg *server.Config) { cfg.PresenceDriver = "etcd" }},
		{name: "unknown fanout driver", configure: func(cfg *server.Config) { cfg.FanoutDriver = "kafka" }},
		{name: "unknown storage driver", configure: func(cfg *server.Config) { cfg.StorageDriver = "mongo" }},
		{name: "postgres without url", configure: func(cfg *server.Config) { cfg.StorageDriver = "postgres" }},
		{name: "bad seed rooms", configure: func(cfg *server.Config) { cfg.SeedRooms = "lobby:alice" }},
		{name: "bad delivery mode", configure: func(cfg *server.Config) { cfg.DeliveryMode = "eventually" }},
		{name: "redis presence without node id", configure: func(cfg *server.Config) {
			cfg.NodeID = ""
			cfg.PresenceDriver = "redis"
			cfg.RedisURL = "redis://" + miniredis.RunT(t).Addr() + "/0"
		}},
		{name: "unreachable redis", configure: func(cfg *server.Config) {
			cfg.PresenceDriver = "redis"
			cfg.RedisURL = "redis://127.0.0.1:1/0"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.configure(&cfg)
			a, err := New(context.Background(), cfg)
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestNodeID(t *testing.T) {
	cfg := server.Config{NodeID: "configured", PresenceDriver: "redis"}
	id, err := nodeID(cfg)
	require.NoError(t, err)
	assert.Equal(t, "configured", id)

	cfg = server.Config{PresenceDriver: "memory"}
	generated, err := nodeID(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
	again, err := nodeID(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, generated, again, "generated ids are unique per run")

	_, err = nodeID(server.Config{PresenceDriver: "redis"})
	assert.ErrorContains(t, err, "NODE_ID")
}
