package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Nicat85/BuynityProject-sub001/pkg/session"
)

type listenOptions struct {
	wsURL          string
	refreshURL     string
	credentialsDir string
	namespace      string
	accessToken    string
	refreshToken   string
	threads        []string
}

// newListenCommand is a small client: it connects to /connect with the
// stored session, joins threads and prints every envelope it receives.
func newListenCommand(logger zerolog.Logger) *cobra.Command {
	var opts listenOptions
	c := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the WebSocket endpoint and print delivered envelopes",
		RunE: func(c *cobra.Command, _ []string) error {
			return runListen(c.Context(), opts, c.OutOrStdout(), logger)
		},
	}
	home, _ := os.UserConfigDir()
	c.Flags().StringVar(&opts.wsURL, "url", "ws://localhost:8081/connect", "WebSocket endpoint")
	c.Flags().StringVar(&opts.refreshURL, "refresh-url", "", "token refresh endpoint")
	c.Flags().StringVar(&opts.credentialsDir, "credentials-dir", filepath.Join(home, "deliveryservice"), "directory holding stored credentials")
	c.Flags().StringVar(&opts.namespace, "namespace", "session", "credential namespace")
	c.Flags().StringVar(&opts.accessToken, "access-token", "", "sign in with this access token")
	c.Flags().StringVar(&opts.refreshToken, "refresh-token", "", "sign in with this refresh token")
	c.Flags().StringSliceVar(&opts.threads, "thread", nil, "thread to join (repeatable)")
	return c
}

func runListen(ctx context.Context, opts listenOptions, out io.Writer, logger zerolog.Logger) error {
	store, err := session.NewFileStore(opts.credentialsDir, opts.namespace)
	if err != nil {
		return err
	}
	coordinator, err := session.NewCoordinator(session.Config{}, session.NewHTTPRefresher(opts.refreshURL, nil), store, logger)
	if err != nil {
		return err
	}

	if opts.accessToken != "" {
		creds := session.Credentials{AccessToken: opts.accessToken, RefreshToken: opts.refreshToken}
		if err := coordinator.Authenticate(ctx, creds); err != nil {
			return err
		}
	} else if coordinator.Restore(ctx) == session.Anonymous {
		return errors.New("no stored session, sign in with --access-token and --refresh-token")
	}

	dialer := &session.Dialer{Coordinator: coordinator}
	conn, _, err := dialer.DialContext(ctx, opts.wsURL, nil)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			coordinator.Clear()
		}
		return fmt.Errorf("failed to connect to %s: %w", opts.wsURL, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, threadID := range opts.threads {
		frame, _ := json.Marshal(map[string]string{"action": "join", "threadId": threadID})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("failed to join thread %s: %w", threadID, err)
		}
	}
	logger.Info().Str("url", opts.wsURL).Strs("threads", opts.threads).Msg("Listening for deliveries.")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if _, err := fmt.Fprintln(out, string(msg)); err != nil {
			return err
		}
	}
}
