package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/vc4-buildbot/internal"
)

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func (store *RunSQLiteStore) CreateRun(
	ctx context.Context,
	id string,
	prefix string,
) (*Run, error) {
	r := &Run{
		RunID:     id,
		Prefix:    prefix,
		Status:    StatusRunning,
		CreatedOn: time.Now().UTC().Truncate(time.Second),
	}
	query := `insert into runs (
		run_id,
		prefix,
		status,
		created_on
	)
	values ($1, $2, $3, $4)`
	if _, err := store.rwdb.ExecContext(
		ctx, query,
		r.RunID,
		r.Prefix,
		r.Status,
		r.CreatedOn.Format(internal.DBTimestampLayout),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) ReadRunByID(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	query := "select * from runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) UpdateRunEndedOn(ctx context.Context, r *Run) error {
	var endedOn *string
	if r.EndedOn != nil {
		ts := r.EndedOn.UTC().Format(internal.DBTimestampLayout)
		endedOn = &ts
	}
	query := `update runs
	set status = $1,
		log_path = $2,
		overlay_path = $3,
		image_path = $4,
		uploaded = $5,
		restore_verified = $6,
		ended_on = $7
	where run_id = $8`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		r.Status,
		r.LogPath,
		r.OverlayPath,
		r.ImagePath,
		r.Uploaded,
		r.RestoreVerified,
		endedOn,
		r.RunID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (store *RunSQLiteStore) ListLatestRuns(ctx context.Context, limit int64) ([]Run, error) {
	query := `select * from runs
	order by created_on desc, rowid desc limit $1`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, limit)
	return runs, err
}

// CreateRunComponents stores the issue record of a run in one transaction.
func (store *RunSQLiteStore) CreateRunComponents(
	ctx context.Context,
	runID string,
	components []RunComponent,
) error {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `insert into run_components (
		run_id,
		seq,
		name,
		commit_hash,
		branch,
		url
	)
	values ($1, $2, $3, $4, $5, $6)`
	for _, c := range components {
		if _, err := tx.ExecContext(ctx, query, runID, c.Seq, c.Name, c.CommitHash, c.Branch, c.URL); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (store *RunSQLiteStore) ListRunComponents(ctx context.Context, runID string) ([]RunComponent, error) {
	query := `select * from run_components
	where run_id = $1
	order by seq`
	components := make([]RunComponent, 0)
	err := sqlscan.Select(ctx, store.rdb, &components, query, runID)
	return components, err
}
