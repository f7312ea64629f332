package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/coachstream/internal/mockchat"
)

func newMockBackendCommand(root *rootOptions) *cobra.Command {
	var (
		addr       string
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve a deterministic chat backend for local runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:    addr,
				Handler: mockchat.New(mockchat.Options{ChunkDelay: chunkDelay}).Handler(),
			}
			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.Info().Str("addr", addr).Msg("mock chat backend listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-egCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), root.cfg.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8001", "listen address")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 40*time.Millisecond, "pause between streamed frames")
	return cmd
}
