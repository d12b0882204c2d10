package store

import (
	"time"
)

type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusFailed  RunStatus = "failed"
	StatusPassed  RunStatus = "passed"
)

// Run is one orchestrator invocation.
type Run struct {
	RunID           string     `param:"run_id" db:"run_id" json:"run_id"`
	Prefix          string     `db:"prefix" json:"prefix"`
	Status          RunStatus  `db:"status" json:"status"`
	LogPath         *string    `db:"log_path" json:"log_path"`
	OverlayPath     *string    `db:"overlay_path" json:"overlay_path"`
	ImagePath       *string    `db:"image_path" json:"image_path"`
	Uploaded        bool       `db:"uploaded" json:"uploaded"`
	RestoreVerified bool       `db:"restore_verified" json:"restore_verified"`
	CreatedOn       time.Time  `db:"created_on" json:"created_on"`
	EndedOn         *time.Time `db:"ended_on" json:"ended_on"`
}

// RunComponent is one entry of a run's issue record. Seq keeps the order in
// which the components were built.
type RunComponent struct {
	RunID      string `db:"run_id" json:"-"`
	Seq        int64  `db:"seq" json:"seq"`
	Name       string `db:"name" json:"name"`
	CommitHash string `db:"commit_hash" json:"commit"`
	Branch     string `db:"branch" json:"branch"`
	URL        string `db:"url" json:"url"`
}
