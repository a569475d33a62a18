package client

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/spotter-app/spotter-server/internal/proto"
)

// Transport is one realtime connection to the server.
type Transport interface {
	Read(ctx context.Context) (proto.Outbound, error)
	Write(ctx context.Context, in proto.Inbound) error
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// WebSocketDialer dials the server's /ws endpoint.
type WebSocketDialer struct {
	URL         string
	ReadLimit   int64
	DialOptions *websocket.DialOptions
}

// Dial opens a websocket connection.
func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, d.DialOptions)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) (proto.Outbound, error) {
	var out proto.Outbound
	err := wsjson.Read(ctx, t.conn, &out)
	return out, err
}

func (t *wsTransport) Write(ctx context.Context, in proto.Inbound) error {
	return wsjson.Write(ctx, t.conn, in)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
