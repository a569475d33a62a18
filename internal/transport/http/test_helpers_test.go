package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/auth"
	"github.com/spotter-app/spotter-server/internal/config"
	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/proto"
	"github.com/spotter-app/spotter-server/internal/service/invitations"
	"github.com/spotter-app/spotter-server/internal/store"
	"github.com/spotter-app/spotter-server/internal/store/sqlite"
)

const testSecret = "test-secret"

type testEnv struct {
	ts    *httptest.Server
	store store.Store
	jwt   *auth.JWTConfig
	hub   *core.Hub

	stopHub context.CancelFunc
	hubDone chan struct{}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.ReadHeaderTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.JWTSecret = testSecret
	cfg.JWTRequired = true
	return cfg
}

// startTestServer runs the full router against an in-memory SQLite store.
// Conversations conv-1 (alice, bob) and inv-1 (invitation from alice to bob) exist.
func startTestServer(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.CreateConversation(ctx, &store.Conversation{ID: "conv-1", Kind: store.ConversationKindMatch}, []string{"alice", "bob"}); err != nil {
		t.Fatalf("create conv-1: %v", err)
	}
	if err := st.CreateConversation(ctx, &store.Conversation{
		ID:        "inv-1",
		Kind:      store.ConversationKindInvitation,
		Status:    store.InvitationStatusPending,
		CreatedBy: "alice",
	}, []string{"alice", "bob"}); err != nil {
		t.Fatalf("create inv-1: %v", err)
	}

	disabledLogger := zerolog.New(nil)
	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	}
	authService := auth.NewService(jwtConfig)

	hub := core.NewHub(st,
		core.WithLogger(&disabledLogger),
		core.WithTokenValidator(authService, cfg.JWTRequired),
	)
	hubCtx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	t.Cleanup(cancel)
	go func() {
		_ = hub.Run(hubCtx)
		close(hubDone)
	}()

	server := NewServer(&cfg, Deps{
		Hub:         hub,
		Auth:        authService,
		Invitations: invitations.New(st, hub, &disabledLogger),
	}, &disabledLogger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, jwt: jwtConfig, hub: hub, stopHub: cancel, hubDone: hubDone}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(e.jwt, userID, "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

func (e *testEnv) dial(ctx context.Context, t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, e.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// connect dials, authenticates as userID and joins conversationID when set.
func (e *testEnv) connect(ctx context.Context, t *testing.T, userID, conversationID string) *websocket.Conn {
	t.Helper()

	conn := e.dial(ctx, t)
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeAuthenticate, UserID: userID, Token: e.token(t, userID)})
	readUntil(ctx, t, conn, proto.OutboundTypeAuthenticated)

	if conversationID != "" {
		send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeJoin, ConversationID: conversationID})
		readUntil(ctx, t, conn, proto.OutboundTypeJoined)
	}
	return conn
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func send(ctx context.Context, t *testing.T, conn *websocket.Conn, in proto.Inbound) {
	t.Helper()
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("send %s: %v", in.Type, err)
	}
}

// readUntil reads frames until one of the given type arrives.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string) proto.Outbound {
	t.Helper()
	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if out.Type == typ {
			return out
		}
	}
}

// expectNone fails if a frame of the given type arrives within wait.
// The read deadline closes the connection, so call it last.
func expectNone(t *testing.T, conn *websocket.Conn, typ string, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			return
		}
		if out.Type == typ {
			t.Fatalf("unexpected %s frame: %+v", typ, out)
		}
	}
}
