package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spotter-app/spotter-server/internal/proto"
)

type smokeOptions struct {
	server       string
	user         string
	token        string
	conversation string
	text         string
	timeout      time.Duration
}

// newSmokeCmd speaks the raw wire protocol: authenticate, join, send, and
// wait for the server's echo of the message.
func newSmokeCmd() *cobra.Command {
	var opts smokeOptions

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Send one message and wait for its echo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := smoke(cmd.Context(), opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.user, "user", "tester", "user id")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "conversation to post into")
	cmd.Flags().StringVar(&opts.text, "text", "hello from smoke test", "message text to send")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "total timeout for the run")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func smoke(parent context.Context, opts smokeOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(strings.TrimRight(opts.server, "/"), "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.Inbound{
		Type:     proto.InboundTypeAuthenticate,
		UserID:   opts.user,
		Token:    opts.token,
		Protocol: proto.ProtocolVersion,
	}); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	if _, err := awaitFrame(ctx, conn, proto.OutboundTypeAuthenticated, ""); err != nil {
		return err
	}

	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeJoin, ConversationID: opts.conversation}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	if _, err := awaitFrame(ctx, conn, proto.OutboundTypeJoined, ""); err != nil {
		return err
	}

	clientMessageID := uuid.NewString()
	if err := wsjson.Write(ctx, conn, proto.Inbound{
		Type:            proto.InboundTypeSend,
		ConversationID:  opts.conversation,
		Text:            opts.text,
		ClientMessageID: clientMessageID,
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	out, err := awaitFrame(ctx, conn, proto.OutboundTypeNewMessage, clientMessageID)
	if err != nil {
		return err
	}
	fmt.Printf("echo %s at %s: %s\n", out.Message.ID, out.Message.SentAt.Format(time.RFC3339), out.Message.Text)
	return nil
}

// awaitFrame reads until a frame of typ arrives. An error frame fails the run.
// For new_message, clientMessageID selects our own echo.
func awaitFrame(ctx context.Context, conn *websocket.Conn, typ, clientMessageID string) (proto.Outbound, error) {
	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return out, fmt.Errorf("timed out waiting for %s", typ)
			}
			return out, fmt.Errorf("read: %w", err)
		}
		if out.Type == proto.OutboundTypeError && out.Error != nil {
			return out, fmt.Errorf("server error %s: %s", out.Error.Code, out.Error.Msg)
		}
		if out.Type != typ {
			continue
		}
		if clientMessageID != "" && (out.Message == nil || out.Message.ClientMessageID != clientMessageID) {
			continue
		}
		return out, nil
	}
}
