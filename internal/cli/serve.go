package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/haatos/vc4-buildbot/internal/handler"
	"github.com/haatos/vc4-buildbot/internal/service"
	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run history over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := serveAddr
		if addr == "" {
			addr = appSettings.Port
		}
		if addr == "" {
			return errors.New("no listen address, set --addr or BUILDBOT_PORT")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rdb, rwdb, err := openHistory()
		if err != nil {
			return err
		}
		defer rdb.Close()
		defer rwdb.Close()

		runService := service.NewRunService(store.NewRunSQLiteStore(rdb, rwdb), service.NewUUIDGen())
		return handler.Serve(ctx, handler.NewServer(runService), addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, e.g. :8080")
	rootCmd.AddCommand(serveCmd)
}
