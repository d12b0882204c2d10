package store

import (
	"context"
)

type RunStore interface {
	CreateRun(context.Context, string, string) (*Run, error)
	ReadRunByID(context.Context, string) (*Run, error)
	UpdateRunEndedOn(context.Context, *Run) error
	ListLatestRuns(context.Context, int64) ([]Run, error)
	CreateRunComponents(context.Context, string, []RunComponent) error
	ListRunComponents(context.Context, string) ([]RunComponent, error)
}
