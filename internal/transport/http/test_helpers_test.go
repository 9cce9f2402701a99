package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/config"
	"github.com/vovakirdan/wirechat-companion/internal/core"
	"github.com/vovakirdan/wirechat-companion/internal/proto"
	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/store/memory"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

const testSecret = "transport-test-secret"

// fakeBackend serves the Identity, Room, Generation and History endpoints.
// Users named "inactive" are reported as disabled accounts.
type fakeBackend struct {
	jwt   *auth.JWTConfig
	mu    sync.Mutex
	rooms map[string]string // room id -> owner id
	reply string
}

func newFakeBackend(jwtCfg *auth.JWTConfig) *fakeBackend {
	return &fakeBackend{
		jwt:   jwtCfg,
		rooms: map[string]string{"r1": "u1", "r2": "u2"},
		reply: "hello from the companion",
	}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.ValidateToken(b.jwt, auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		active := claims.Username != "inactive"
		writeBody(w, http.StatusOK, map[string]any{"id": claims.SubjectID(), "username": claims.Username, "is_active": active})
	})
	mux.HandleFunc("GET /api/v1/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := b.owner(r.PathValue("id"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeBody(w, http.StatusOK, map[string]any{
			"id":             r.PathValue("id"),
			"user_id":        owner,
			"character_id":   "c1",
			"character_name": "Mira",
		})
	})
	mux.HandleFunc("POST /api/v1/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req upstream.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		now := time.Now().UTC().Format(time.RFC3339)
		writeBody(w, http.StatusOK, map[string]any{
			"user_message": map[string]any{"id": "um1", "sender_type": "user", "content": req.Content, "created_at": now},
			"ai_message":   map[string]any{"id": "am1", "sender_type": "character", "content": b.reply, "created_at": now},
		})
	})
	mux.HandleFunc("GET /api/v1/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.owner(r.PathValue("id")); !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeBody(w, http.StatusOK, []map[string]any{
			{"id": "h1", "sender_type": "user", "content": "first", "created_at": "2024-01-01T00:00:00Z"},
			{"id": "h2", "sender_type": "character", "content": "second", "created_at": "2024-01-01T00:00:05Z"},
		})
	})
	return mux
}

func (b *fakeBackend) owner(roomID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.rooms[roomID]
	return owner, ok
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type testEnv struct {
	ts    *httptest.Server
	cfg   *config.Config
	jwt   *auth.JWTConfig
	store *memory.MemoryStore
}

func startTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	jwtCfg := &auth.JWTConfig{Secret: []byte(testSecret), TTL: time.Hour}
	backend := httptest.NewServer(newFakeBackend(jwtCfg).handler())
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.APIBaseURL = backend.URL
	cfg.CacheDriver = config.CacheDriverMemory
	cfg.PingInterval = 0
	for _, fn := range mutate {
		fn(&cfg)
	}

	logger := zerolog.Nop()
	st := memory.New(store.DefaultLimits())
	client, err := upstream.New(upstream.Options{BaseURL: cfg.APIBaseURL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("upstream client: %v", err)
	}

	gate := auth.NewGate(jwtCfg, client, st, &logger)
	registry := core.NewRegistry()
	pipeline := core.NewPipeline(registry, client, st, core.PipelineConfig{
		MaxMessageLength: cfg.MaxMessageLength,
		RateLimit:        cfg.RateLimitMessages,
		RateWindow:       cfg.RateLimitWindow,
		BackendTimeout:   2 * time.Second,
	}, &logger)
	hub := core.NewHub(registry, core.NewRouter(registry, client, st, &logger), pipeline, st, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	server := NewServer(hub, gate, st, &cfg, &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, cfg: &cfg, jwt: jwtCfg, store: st}
}

func (e *testEnv) token(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := auth.GenerateToken(e.jwt, userID, username)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (e *testEnv) wsURL(query string) string {
	u := strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial connects as userID and consumes the connected greeting.
func (e *testEnv) dial(ctx context.Context, t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, e.wsURL("token="+e.token(t, userID, "alice")), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	out := readOutbound(ctx, t, conn)
	if out.Event != proto.EventConnected {
		t.Fatalf("expected connected, got %+v", out)
	}
	return conn
}

// rawOutbound keeps data undecoded so tests can check the exact wire keys.
type rawOutbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func readOutbound(ctx context.Context, t *testing.T, conn *websocket.Conn) rawOutbound {
	t.Helper()
	var out rawOutbound
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return out
}

func send(ctx context.Context, t *testing.T, conn *websocket.Conn, typ, id string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, ID: id, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// label names an outbound frame by its event, or by its type for acks.
func label(out rawOutbound) string {
	if out.Type == proto.OutboundTypeAck {
		return proto.OutboundTypeAck
	}
	return out.Event
}
