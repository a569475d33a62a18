package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotter-app/spotter-server/internal/auth"
	"github.com/spotter-app/spotter-server/internal/config"
	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/service/invitations"
	"github.com/spotter-app/spotter-server/internal/store"
	"github.com/spotter-app/spotter-server/internal/store/sqlite"
	chathttp "github.com/spotter-app/spotter-server/internal/transport/http"
)

type chatServer struct {
	url string
	jwt *auth.JWTConfig
}

// startChatServer runs the real router on an in-memory store with conv-1 (alice, bob).
func startChatServer(t *testing.T) *chatServer {
	t.Helper()

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateConversation(context.Background(),
		&store.Conversation{ID: "conv-1", Kind: store.ConversationKindMatch}, []string{"alice", "bob"}))

	cfg := config.Default()
	cfg.JWTSecret = "client-test-secret"
	cfg.JWTRequired = true

	logger := zerolog.Nop()
	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	}
	authService := auth.NewService(jwtConfig)
	hub := core.NewHub(st, core.WithLogger(&logger), core.WithTokenValidator(authService, true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	server := chathttp.NewServer(&cfg, chathttp.Deps{
		Hub:         hub,
		Auth:        authService,
		Invitations: invitations.New(st, hub, &logger),
	}, &logger)
	ts := httptest.NewServer(server.Handler)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &chatServer{url: ts.URL, jwt: jwtConfig}
}

// gatedDialer dials only when a token is available, so tests control reconnects.
type gatedDialer struct {
	inner  Dialer
	tokens chan struct{}

	mu   sync.Mutex
	last Transport
}

func (d *gatedDialer) Dial(ctx context.Context) (Transport, error) {
	select {
	case <-d.tokens:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t, err := d.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.last = t
	d.mu.Unlock()
	return t, nil
}

func (d *gatedDialer) allow() {
	d.tokens <- struct{}{}
}

func (d *gatedDialer) drop() {
	d.mu.Lock()
	t := d.last
	d.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (cs *chatServer) session(t *testing.T, userID string) (*Session, *gatedDialer) {
	t.Helper()

	token, err := auth.GenerateToken(cs.jwt, userID, "")
	require.NoError(t, err)

	dialer := &gatedDialer{
		inner:  WebSocketDialer{URL: strings.Replace(cs.url, "http", "ws", 1) + "/ws"},
		tokens: make(chan struct{}, 4),
	}
	dialer.allow()

	s, err := New(Config{
		UserID:         userID,
		Token:          token,
		Dialer:         dialer,
		API:            NewAPIClient(cs.url, token),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, s.Open(context.Background(), "conv-1"))
	runSession(t, s)
	waitState(t, s, StateRoomJoined)
	return s, dialer
}

func countText(msgs []Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

func TestTwoClientsExchangeMessage(t *testing.T) {
	cs := startChatServer(t)
	alice, _ := cs.session(t, "alice")
	bob, _ := cs.session(t, "bob")

	_, err := alice.Send(context.Background(), "hello")
	require.NoError(t, err)

	for name, s := range map[string]*Session{"alice": alice, "bob": bob} {
		require.Eventually(t, func() bool { return countText(s.Messages(), "hello") == 1 },
			3*time.Second, 10*time.Millisecond, "%s never saw hello", name)
	}
	assert.Empty(t, alice.Pending())

	// Give late duplicates a chance to show up.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countText(alice.Messages(), "hello"))
	assert.Equal(t, 1, countText(bob.Messages(), "hello"))
	assert.Equal(t, "alice", bob.Messages()[0].SenderID)
}

func TestReconnectFillsGapWithoutDuplicates(t *testing.T) {
	cs := startChatServer(t)
	alice, _ := cs.session(t, "alice")
	bob, bobDialer := cs.session(t, "bob")
	ctx := context.Background()

	_, err := alice.Send(ctx, "warmup at 6?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	bobDialer.drop()
	// The next dial blocks on the gate, so bob sits in connecting.
	require.Eventually(t, func() bool {
		st := bob.State()
		return st == StateDisconnected || st == StateConnecting
	}, 3*time.Second, 10*time.Millisecond)

	missed := []string{"running late", "grab a bench", "I'm here"}
	for _, text := range missed {
		_, err := alice.Send(ctx, text)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(alice.Messages()) == 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, bob.Messages(), 1)

	bobDialer.allow()
	waitState(t, bob, StateRoomJoined)
	require.Eventually(t, func() bool { return len(bob.Messages()) == 4 }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	msgs := bob.Messages()
	require.Len(t, msgs, 4)
	seen := make(map[string]bool)
	for _, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
	}
	for i, text := range missed {
		assert.Equal(t, text, msgs[i+1].Text)
	}

	// Live delivery resumes after the catch-up.
	_, err = alice.Send(ctx, "see you")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return countText(bob.Messages(), "see you") == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestReconnectRecoversMessagesBeforeOfflineRESTSend(t *testing.T) {
	cs := startChatServer(t)
	alice, _ := cs.session(t, "alice")
	bob, bobDialer := cs.session(t, "bob")
	ctx := context.Background()

	_, err := alice.Send(ctx, "warmup")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	bobDialer.drop()
	require.Eventually(t, func() bool {
		st := bob.State()
		return st == StateDisconnected || st == StateConnecting
	}, 3*time.Second, 10*time.Millisecond)

	missed := []string{"running late", "grab a bench", "I'm here"}
	for _, text := range missed {
		_, err := alice.Send(ctx, text)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(alice.Messages()) == 4 }, 3*time.Second, 10*time.Millisecond)

	// Offline, bob's send goes through REST and lands after alice's messages.
	_, err = bob.Send(ctx, "bob offline")
	require.NoError(t, err)
	require.Len(t, bob.Messages(), 2)

	bobDialer.allow()
	waitState(t, bob, StateRoomJoined)
	require.Eventually(t, func() bool { return len(bob.Messages()) == 5 }, 3*time.Second, 10*time.Millisecond)

	texts := make([]string, 0, 5)
	for _, m := range bob.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"warmup", "running late", "grab a bench", "I'm here", "bob offline"}, texts)
	assert.Empty(t, bob.Pending())
}
