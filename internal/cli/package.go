package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/service"
	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/spf13/cobra"
)

var packageNoHistory bool

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Build, package and upload once",
	Long: `Run the build pipeline as a child process with the host's boot files backed
up, then restore them. A successful build is packaged into an overlay archive
and a bootable image. Staged artifacts are uploaded and deleted on success.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// the pipeline child has its own process group and sees no terminal
		// signal, so an interrupt must reach it through ctx
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, closeDB, err := newPackageService(ctx, !packageNoHistory)
		if err != nil {
			return err
		}
		defer closeDB()

		result, err := svc.Run(ctx)
		if result != nil {
			log.Printf(
				"run %s: success=%t log=%s image=%s uploaded=%t restored=%t\n",
				result.Prefix, result.Success, result.LogPath, result.ImagePath,
				result.Uploaded, result.RestoreVerified,
			)
		}
		return err
	},
}

func init() {
	packageCmd.Flags().BoolVar(&packageNoHistory, "no-history", false, "do not record the run in the history database")
	rootCmd.AddCommand(packageCmd)
}

// openHistory opens the run history database, migrating it when needed.
func openHistory() (rdb, rwdb *sql.DB, err error) {
	rdb, err = store.InitDatabase(appSettings.SQLiteDbString(true), true)
	if err != nil {
		return nil, nil, err
	}
	rwdb, err = store.InitDatabase(appSettings.SQLiteDbString(false), false)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	if err := store.RunMigrations(rwdb, internal.MigrationsDir); err != nil {
		rdb.Close()
		rwdb.Close()
		return nil, nil, fmt.Errorf("err migrating history database: %w", err)
	}
	return rdb, rwdb, nil
}

func newPackageService(ctx context.Context, history bool) (*service.PackageService, func(), error) {
	closeDB := func() {}

	launcher, err := service.NewChildLauncher(configPath)
	if err != nil {
		return nil, closeDB, err
	}
	uploader, err := service.NewUploader(ctx, cfg.Upload, appSettings)
	if err != nil {
		return nil, closeDB, err
	}

	var runs service.RunRecorder
	if history {
		rdb, rwdb, err := openHistory()
		if err != nil {
			log.Println("err opening run history (disabled):", err)
		} else {
			closeDB = func() {
				rdb.Close()
				rwdb.Close()
			}
			runs = service.NewRunService(store.NewRunSQLiteStore(rdb, rwdb), service.NewUUIDGen())
		}
	}

	mounter := service.NewExecMounter(service.NewShellRunner(os.Stdout, os.Stderr))
	svc := service.NewPackageService(
		cfg,
		launcher,
		service.NewProcKiller(),
		uploader,
		service.NewOverlayBuilder(cfg.Overlay),
		service.NewImageBuilder(cfg.Image, cfg.Staging.Dir, mounter, os.Stderr),
		runs,
	)
	return svc, closeDB, nil
}
