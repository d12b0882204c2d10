package cli

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/haatos/vc4-buildbot/internal/handler"
	"github.com/haatos/vc4-buildbot/internal/service"
	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the package flow nightly",
	Long: `Run the package flow on the configured crontab until interrupted. When
BUILDBOT_PORT is set the run history is served over HTTP as well.`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeDB, err := newPackageService(ctx, true)
	if err != nil {
		return err
	}
	defer closeDB()

	scheduler := service.NewScheduler()
	job, err := service.ScheduleNightly(ctx, scheduler, cfg.Schedule, func(ctx context.Context) {
		result, err := svc.Run(ctx)
		if err != nil {
			log.Println("err in nightly run:", err)
		}
		if result != nil {
			log.Printf("nightly run %s finished: success=%t uploaded=%t\n", result.Prefix, result.Success, result.Uploaded)
		}
	})
	if err != nil {
		return fmt.Errorf("err scheduling nightly run %q: %w", cfg.Schedule, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start()
		if next, err := job.NextRun(); err == nil {
			log.Println("next nightly run at", next)
		}
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if appSettings.Port != "" {
		rdb, rwdb, err := openHistory()
		if err != nil {
			return err
		}
		defer rdb.Close()
		defer rwdb.Close()
		runService := service.NewRunService(store.NewRunSQLiteStore(rdb, rwdb), service.NewUUIDGen())
		g.Go(func() error {
			return handler.Serve(ctx, handler.NewServer(runService), appSettings.Port)
		})
	}

	return g.Wait()
}
