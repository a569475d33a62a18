package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spotter-app/spotter-server/internal/client"
	"github.com/spotter-app/spotter-server/internal/log"
)

type options struct {
	server       string
	user         string
	token        string
	conversation string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spotter-chat: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "spotter-chat",
		Short:         "Terminal chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("SPOTTER_TOKEN"), "bearer token, e.g. from spotter-server token")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "conversation to open")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("conversation")

	cmd.AddCommand(newSmokeCmd())
	return cmd
}

func run(parent context.Context, opts options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimRight(opts.server, "/")
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	session, err := client.New(client.Config{
		UserID: opts.user,
		Token:  opts.token,
		Dialer: client.WebSocketDialer{URL: wsURL},
		API:    client.NewAPIClient(base, opts.token),
		Logger: log.NewWithWriter(os.Stderr, opts.logLevel, "console"),
		OnInvitationStatus: func(invitationID, status string) {
			fmt.Printf("* invitation %s is now %s\n", invitationID, status)
		},
	})
	if err != nil {
		return err
	}

	if err := session.Open(ctx, opts.conversation); err != nil {
		fmt.Fprintf(os.Stderr, "load history: %v\n", err)
	}

	go func() {
		_ = session.Run(ctx)
	}()
	go render(ctx, session)

	fmt.Printf("Chatting as %s in %s via %s\n", opts.user, opts.conversation, base)
	fmt.Println("Type messages and press Enter to send. /retry resends failed messages. Ctrl+C to exit.")

	writeLoop(ctx, session)
	return nil
}

// render prints new messages and status changes as the session reports them.
func render(ctx context.Context, session *client.Session) {
	printed := make(map[string]bool)
	failed := make(map[string]bool)
	state := session.State()
	typing := ""

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Changes():
		}

		if s := session.State(); s != state {
			state = s
			fmt.Printf("* %s\n", state)
		}
		for _, m := range session.Messages() {
			if printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.SenderID, m.Text)
		}
		for _, p := range session.Pending() {
			if p.Status == client.PendingFailed && !failed[p.ClientMessageID] {
				failed[p.ClientMessageID] = true
				fmt.Printf("! not delivered: %q (/retry)\n", p.Text)
			}
		}
		if users := strings.Join(session.TypingUsers(), ", "); users != typing {
			typing = users
			if typing != "" {
				fmt.Printf("* %s typing...\n", typing)
			}
		}
	}
}

func writeLoop(ctx context.Context, session *client.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
				continue
			case text == "/retry":
				for _, p := range session.Pending() {
					if p.Status != client.PendingFailed {
						continue
					}
					if err := session.Retry(ctx, p.ClientMessageID); err != nil {
						fmt.Fprintf(os.Stderr, "retry: %v\n", err)
					}
				}
			default:
				if _, err := session.Send(ctx, text); err != nil {
					fmt.Fprintf(os.Stderr, "send: %v\n", err)
				}
			}
		}
	}
}
