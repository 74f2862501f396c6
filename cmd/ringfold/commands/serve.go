package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ringfold/ringfold/internal/logger"
	"github.com/ringfold/ringfold/internal/receiver"
	"github.com/ringfold/ringfold/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func Serve(version string) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the handoff listener",
		Long:  "The serve command runs a handoff listener that stores inbound partitions locally, plus an admin endpoint with metrics.",
		Args:  cobra.MatchAll(cobra.ExactArgs(0), cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			lgr := logger.New()
			defer func() { _ = lgr.Sync() }()

			storePath, _ := cmd.Flags().GetString("store")
			st, err := store.Open(storePath)
			if err != nil {
				return err
			}
			defer st.Close()

			port, _ := cmd.Flags().GetInt("port")
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			maxConcurrency, _ := cmd.Flags().GetInt64("max-concurrency")
			adminPort, _ := cmd.Flags().GetInt("admin-port")
			rcv := receiver.New(st, receiver.Config{MaxConcurrency: maxConcurrency}, lgr)
			admin := receiver.NewAdmin(adminPort, lgr)

			lgr.With(zap.String("version", version)).
				With(zap.String("address", ln.Addr().String())).
				Info("serving handoff listener")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rcv.Serve(ctx, ln) })
			g.Go(func() error { return admin.Start(ctx) })
			return g.Wait()
		},
	}
	serveCmd.Flags().IntP("port", "p", 8099, "port to listen for handoff streams on")
	serveCmd.Flags().Int("admin-port", 8098, "port for the metrics and health endpoint")
	serveCmd.Flags().StringP("store", "s", "ringfold.db", "path to the local partition store")
	serveCmd.Flags().Int64("max-concurrency", receiver.DefaultMaxConcurrency, "inbound transfers admitted at once")
	return serveCmd
}
