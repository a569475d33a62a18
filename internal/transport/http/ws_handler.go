package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/config"
	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/proto"
)

// maxConsecutiveDecodeErrors closes connections that keep sending garbage.
const maxConsecutiveDecodeErrors = 5

var errTooManyDecodeErrors = errors.New("too many malformed frames")

// WSHandler upgrades HTTP connections and bridges them to the hub.
type WSHandler struct {
	hub *core.Hub
	cfg *config.Config
	log *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, cfg: cfg, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	client := core.NewConn(uuid.NewString(), h.cfg.ConnBuffer)
	h.hub.Connect(client)
	defer h.hub.Disconnect(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if errors.Is(err, errTooManyDecodeErrors) {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", client.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Conn) error {
	limiter := newFrameLimiter(h.cfg.FramesPerSecond, h.cfg.FrameBurst)
	decodeErrors := 0

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			h.log.Debug().Err(err).Str("conn_id", client.ID).Msg("read ws frame")
			return err
		}

		if !limiter.Allow() {
			wsFramesRejected.WithLabelValues("rate_limited").Inc()
			client.Deliver(&core.Event{
				Kind:  core.EventError,
				Error: &core.CoreError{Code: core.ErrCodeRateLimited, Message: "too many frames, slow down"},
			})
			continue
		}

		var inbound proto.Inbound
		if typ != websocket.MessageText {
			err = errors.New("binary frames are not supported")
		} else {
			err = json.Unmarshal(data, &inbound)
		}
		if err != nil {
			decodeErrors++
			wsFramesRejected.WithLabelValues("malformed").Inc()
			h.log.Warn().Err(err).Str("conn_id", client.ID).Int("consecutive", decodeErrors).Msg("malformed ws frame")
			client.Deliver(&core.Event{
				Kind:  core.EventError,
				Error: &core.CoreError{Code: core.ErrCodeInvalidMessage, Message: "malformed frame"},
			})
			if decodeErrors >= maxConsecutiveDecodeErrors {
				conn.Close(websocket.StatusPolicyViolation, errTooManyDecodeErrors.Error())
				return errTooManyDecodeErrors
			}
			continue
		}
		decodeErrors = 0

		cmd, cmdErr := inboundToCommand(inbound)
		if cmdErr != nil {
			wsFramesRejected.WithLabelValues("invalid").Inc()
			client.Deliver(&core.Event{Kind: core.EventError, Error: cmdErr, ClientMessageID: inbound.ClientMessageID})
			continue
		}
		h.hub.Handle(ctx, client, cmd)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Conn) error {
	events := client.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				// The hub dropped the connection, usually on shutdown.
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
