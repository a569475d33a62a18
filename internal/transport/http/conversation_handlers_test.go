package http

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/spotter-app/spotter-server/internal/proto"
)

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestPostMessageBroadcastsToRoom(t *testing.T) {
	env := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bob := env.connect(ctx, t, "bob", "conv-1")

	resp := env.doJSON(t, http.MethodPost, "/api/conversations/conv-1/messages", env.token(t, "alice"),
		PostMessageRequest{Text: "spot me?", ClientMessageID: "tmp-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created proto.MessagePayload
	decodeBody(t, resp, &created)
	if created.ID == "" || created.SenderID != "alice" || created.ClientMessageID != "tmp-1" {
		t.Fatalf("unexpected created message: %+v", created)
	}

	got := readUntil(ctx, t, bob, proto.OutboundTypeNewMessage)
	if got.Message == nil || got.Message.ID != created.ID {
		t.Fatalf("bob got %+v, want message %s", got.Message, created.ID)
	}
}

func TestPostMessageRetryIsIdempotent(t *testing.T) {
	env := startTestServer(t, testConfig())
	token := env.token(t, "alice")

	var first, second proto.MessagePayload
	resp := env.doJSON(t, http.MethodPost, "/api/conversations/conv-1/messages", token,
		PostMessageRequest{Text: "hello", ClientMessageID: "tmp-1"})
	decodeBody(t, resp, &first)
	resp = env.doJSON(t, http.MethodPost, "/api/conversations/conv-1/messages", token,
		PostMessageRequest{Text: "hello", ClientMessageID: "tmp-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry: expected 201, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &second)

	if first.ID != second.ID {
		t.Fatalf("retry created a duplicate: %s vs %s", first.ID, second.ID)
	}
}

func TestPostMessageValidation(t *testing.T) {
	env := startTestServer(t, testConfig())

	tests := []struct {
		name   string
		path   string
		token  string
		body   any
		status int
	}{
		{name: "missing token", path: "/api/conversations/conv-1/messages", body: PostMessageRequest{Text: "hi"}, status: http.StatusUnauthorized},
		{name: "bad token", path: "/api/conversations/conv-1/messages", token: "nope", body: PostMessageRequest{Text: "hi"}, status: http.StatusUnauthorized},
		{name: "missing text", path: "/api/conversations/conv-1/messages", token: env.token(t, "alice"), body: map[string]string{}, status: http.StatusBadRequest},
		{name: "blank text", path: "/api/conversations/conv-1/messages", token: env.token(t, "alice"), body: PostMessageRequest{Text: "   "}, status: http.StatusBadRequest},
		{name: "not a participant", path: "/api/conversations/conv-1/messages", token: env.token(t, "mallory"), body: PostMessageRequest{Text: "hi"}, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.doJSON(t, http.MethodPost, tt.path, tt.token, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestListMessagesAfterCursor(t *testing.T) {
	env := startTestServer(t, testConfig())
	token := env.token(t, "bob")

	ids := make([]string, 0, 3)
	for _, text := range []string{"one", "two", "three"} {
		var created proto.MessagePayload
		resp := env.doJSON(t, http.MethodPost, "/api/conversations/conv-1/messages", env.token(t, "alice"),
			PostMessageRequest{Text: text})
		decodeBody(t, resp, &created)
		ids = append(ids, created.ID)
	}

	var all MessagesResponse
	resp := env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &all)
	if len(all.Messages) != 3 || all.Messages[0].Text != "one" || all.Messages[2].Text != "three" {
		t.Fatalf("unexpected history: %+v", all.Messages)
	}

	var after MessagesResponse
	resp = env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages?after="+ids[0], token, nil)
	decodeBody(t, resp, &after)
	if len(after.Messages) != 2 || after.Messages[0].ID != ids[1] || after.Messages[1].ID != ids[2] {
		t.Fatalf("unexpected gap-fill page: %+v", after.Messages)
	}

	var limited MessagesResponse
	resp = env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages?limit=1", token, nil)
	decodeBody(t, resp, &limited)
	if len(limited.Messages) != 1 || limited.Messages[0].ID != ids[2] {
		t.Fatalf("expected latest message only, got %+v", limited.Messages)
	}

	resp = env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages?limit=x", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}

	resp = env.doJSON(t, http.MethodGet, "/api/conversations/conv-1/messages", env.token(t, "mallory"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", resp.StatusCode)
	}
}
