package store

import (
	"database/sql"

	assets "github.com/haatos/vc4-buildbot"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies the embedded migrations found under dir.
func RunMigrations(db *sql.DB, dir string) error {
	goose.SetBaseFS(assets.MigrationsFS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}
