package http

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/proto"
)

func TestHealthEndpoint(t *testing.T) {
	env := startTestServer(t, testConfig())

	resp, err := env.ts.Client().Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := startTestServer(t, testConfig())

	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "spotter_ws_connections") {
		t.Fatalf("metrics missing chat gauges: status %d", resp.StatusCode)
	}
}

// The realtime endpoint and the gin routes share one handler; both must answer.
func TestServerHandlerServesWebSocketAndREST(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn := env.dial(ctx, t)
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeAuthenticate, Token: env.token(t, "alice")})
	var out proto.Outbound
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("no reply to authenticate: %v", err)
	}
	if out.Type != proto.OutboundTypeAuthenticated {
		t.Fatalf("expected authenticated, got %+v", out)
	}

	resp := env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected gin auth middleware behind the mux, got %d", resp.StatusCode)
	}
	resp = env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages", env.token(t, "alice"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected history through the mux, got %d", resp.StatusCode)
	}
}

func TestWebSocketTwoClientsSeeMessageOnce(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := env.connect(ctx, t, "alice", "conv-1")
	bob := env.connect(ctx, t, "bob", "conv-1")

	send(ctx, t, alice, proto.Inbound{
		Type:            proto.InboundTypeSend,
		ConversationID:  "conv-1",
		Text:            "hello",
		ClientMessageID: "tmp-1",
	})

	got := readUntil(ctx, t, bob, proto.OutboundTypeNewMessage)
	if got.Message == nil || got.Message.Text != "hello" || got.Message.SenderID != "alice" || got.ConversationID != "conv-1" {
		t.Fatalf("unexpected message for bob: %+v", got)
	}
	echo := readUntil(ctx, t, alice, proto.OutboundTypeNewMessage)
	if echo.Message.ID != got.Message.ID || echo.Message.ClientMessageID != "tmp-1" {
		t.Fatalf("echo does not match broadcast: %+v vs %+v", echo.Message, got.Message)
	}

	// Exactly one persisted row.
	history, err := env.store.ListMessages(ctx, "conv-1", "", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(history))
	}

	expectNone(t, bob, proto.OutboundTypeNewMessage, 150*time.Millisecond)
}

func TestWebSocketTypingReachesPeerOnly(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := env.connect(ctx, t, "alice", "conv-1")
	bob := env.connect(ctx, t, "bob", "conv-1")

	send(ctx, t, alice, proto.Inbound{Type: proto.InboundTypeStartTyping, ConversationID: "conv-1"})
	got := readUntil(ctx, t, bob, proto.OutboundTypeUserTyping)
	if got.UserID != "alice" {
		t.Fatalf("unexpected typing frame: %+v", got)
	}

	send(ctx, t, alice, proto.Inbound{Type: proto.InboundTypeStopTyping, ConversationID: "conv-1"})
	readUntil(ctx, t, bob, proto.OutboundTypeUserStoppedTyping)

	expectNone(t, alice, proto.OutboundTypeUserTyping, 150*time.Millisecond)
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.connect(ctx, t, "alice", "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	errFrame := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeInvalidMessage {
		t.Fatalf("expected invalid_message, got %+v", errFrame)
	}

	// Still usable.
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeJoin, ConversationID: "conv-1"})
	joined := readUntil(ctx, t, conn, proto.OutboundTypeJoined)
	if joined.ConversationID != "conv-1" {
		t.Fatalf("unexpected join ack: %+v", joined)
	}
}

func TestWebSocketUnknownTypeProducesError(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.connect(ctx, t, "alice", "")
	send(ctx, t, conn, proto.Inbound{Type: "dance"})

	out := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != core.ErrCodeInvalidMessage {
		t.Fatalf("expected invalid_message, got %+v", out)
	}
}

func TestWebSocketRepeatedGarbageClosesConnection(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t)
	for range maxConsecutiveDecodeErrors {
		if err := conn.Write(ctx, websocket.MessageText, []byte("garbage")); err != nil {
			break
		}
	}

	for {
		var out proto.Outbound
		err := wsjson.Read(ctx, conn, &out)
		if err == nil {
			continue
		}
		if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation close, got %v (%v)", status, err)
		}
		return
	}
}

func TestWebSocketJWTRequired(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t)
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeAuthenticate, UserID: "alice"})
	out := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != core.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized without token, got %+v", out)
	}

	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeAuthenticate, UserID: "alice", Token: "not-a-jwt"})
	out = readUntil(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != core.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized for bad token, got %+v", out)
	}

	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeAuthenticate, Token: env.token(t, "alice")})
	ok := readUntil(ctx, t, conn, proto.OutboundTypeAuthenticated)
	if ok.UserID != "alice" {
		t.Fatalf("expected identity from token, got %+v", ok)
	}
}

func TestWebSocketWithoutJWTRequirement(t *testing.T) {
	cfg := testConfig()
	cfg.JWTRequired = false
	env := startTestServer(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t)
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeAuthenticate, UserID: "bob"})
	out := readUntil(ctx, t, conn, proto.OutboundTypeAuthenticated)
	if out.UserID != "bob" {
		t.Fatalf("unexpected authenticated frame: %+v", out)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t)
	send(ctx, t, conn, proto.Inbound{
		Type:     proto.InboundTypeAuthenticate,
		Token:    env.token(t, "alice"),
		Protocol: proto.ProtocolVersion + 1,
	})

	out := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != core.ErrCodeUnsupportedVersion {
		t.Fatalf("expected unsupported_version error, got %+v", out)
	}
}

func TestWebSocketSendBeforeAuthenticate(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t)
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeSend, ConversationID: "conv-1", Text: "hi", ClientMessageID: "tmp-7"})

	out := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != core.ErrCodeUnauthorized || out.ClientMessageID != "tmp-7" {
		t.Fatalf("expected unauthorized for tmp-7, got %+v", out)
	}
}

func TestWebSocketRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.FramesPerSecond = 0.001
	cfg.FrameBurst = 2
	env := startTestServer(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Authenticate and join consume the burst.
	conn := env.connect(ctx, t, "alice", "conv-1")
	send(ctx, t, conn, proto.Inbound{Type: proto.InboundTypeStartTyping, ConversationID: "conv-1"})

	out := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != core.ErrCodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", out)
	}
}

func TestWebSocketClosedOnHubShutdown(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.connect(ctx, t, "alice", "conv-1")

	env.stopHub()
	<-env.hubDone

	var out proto.Outbound
	err := wsjson.Read(ctx, conn, &out)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Fatalf("expected going away, got %v (%v)", status, err)
	}
}
