package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/coachstream/internal/app"
	"github.com/ent0n29/coachstream/internal/stream"
)

type streamFlags struct {
	userID  string
	backend string
	mode    string
}

func (f *streamFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "cli", "user id owning the session")
	cmd.Flags().StringVar(&f.backend, "backend", "", "chat backend base URL (overrides CHAT_BACKEND_URL)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "stream mode auto|actor|direct|blocking (overrides STREAM_MODE)")
}

func (f *streamFlags) build(ctx context.Context, root *rootOptions) (*app.BuildResult, *stream.Controller, error) {
	cfg := root.cfg
	if f.backend != "" {
		cfg.ChatBackendURL = f.backend
	}
	if f.mode != "" {
		cfg.StreamMode = strings.ToLower(f.mode)
	}
	built, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := built.Hub.Get(f.userID)
	if err != nil {
		_ = built.Cleanup()
		return nil, nil, err
	}
	return built, c, nil
}

func newAskCommand(root *rootOptions) *cobra.Command {
	var (
		sf                         streamFlags
		topicID, domain, sessionID string
	)
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Stream one answer to stdout and record it in the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			built, c, err := sf.build(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = built.Cleanup() }()

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			printed := 0
			lastAttempt := 0
			unsubscribe := c.Subscribe(func(st stream.StreamState) {
				if len(st.StreamedContent) < printed {
					printed = 0
				}
				if len(st.StreamedContent) > printed {
					fmt.Fprint(out, st.StreamedContent[printed:])
					printed = len(st.StreamedContent)
				}
				if st.Reconnect != nil && st.Reconnect.Attempt != lastAttempt {
					lastAttempt = st.Reconnect.Attempt
					fmt.Fprintf(errOut, "\n[reconnecting %d/%d]\n", st.Reconnect.Attempt, st.Reconnect.Max)
				}
			})
			defer unsubscribe()

			id, err := c.StartStream(ctx, stream.StartParams{
				UserID:    sf.userID,
				Query:     strings.Join(args, " "),
				SessionID: sessionID,
				TopicID:   topicID,
				Domain:    domain,
				AuthToken: os.Getenv("CHAT_AUTH_TOKEN"),
			})
			if err != nil {
				return err
			}
			if err := c.Wait(ctx); err != nil {
				c.StopStream()
				return fmt.Errorf("session %s interrupted: %w", id, err)
			}
			fmt.Fprintln(out)

			st := c.State()
			log.Debug().Str("session_id", id).Int("total_length", st.TotalLength).Int64("duration_ms", st.DurationMs).Msg("answer complete")
			fmt.Fprintf(errOut, "session: %s\n", id)
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&topicID, "topic", "", "topic id to group the session under")
	cmd.Flags().StringVar(&domain, "domain", "", "question domain (defaults to CHAT_DEFAULT_DOMAIN)")
	cmd.Flags().StringVar(&sessionID, "session", "", "explicit session id to use")
	return cmd
}

func newResumeCommand(root *rootOptions) *cobra.Command {
	var sf streamFlags
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Print the recorded state of a session, or of the user's active one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			built, c, err := sf.build(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = built.Cleanup() }()

			var resumed bool
			if len(args) == 1 {
				resumed, err = c.ResumeSession(ctx, args[0])
				if err != nil {
					return err
				}
			} else {
				resumed = c.TryResumeActiveSession(ctx, sf.userID)
			}
			if !resumed {
				return errors.New("no session to resume")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(c.State())
		},
	}
	sf.register(cmd)
	return cmd
}

func newSweepCommand(root *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete sessions past retention and mark stale streams timed out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			built, err := app.Build(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = built.Cleanup() }()

			if userID != "" {
				n, err := built.Ledger.CheckAndMarkTimeoutSessions(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "timed out: %d\n", n)
			}
			res, err := built.Sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\n", res.ExpiredSessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "also mark this user's stale streaming sessions timed out")
	return cmd
}
