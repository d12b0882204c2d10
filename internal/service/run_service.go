package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/haatos/vc4-buildbot/internal/util"
)

type RunWriter interface {
	CreateRun(context.Context, string, string) (*store.Run, error)
	UpdateRunEndedOn(context.Context, *store.Run) error
	CreateRunComponents(context.Context, string, []store.RunComponent) error
}

type RunReader interface {
	ReadRunByID(context.Context, string) (*store.Run, error)
	ListLatestRuns(context.Context, int64) ([]store.Run, error)
	ListRunComponents(context.Context, string) ([]store.RunComponent, error)
}

type RunStore interface {
	RunWriter
	RunReader
}

type UUIDGenerator interface {
	NewString() string
}

type uuidGen struct{}

func (uuidGen) NewString() string {
	return uuid.NewString()
}

func NewUUIDGen() UUIDGenerator {
	return uuidGen{}
}

// RunService keeps the history of orchestrator runs.
type RunService struct {
	runStore RunStore
	ids      UUIDGenerator
	now      func() time.Time
}

func NewRunService(runStore RunStore, ids UUIDGenerator) *RunService {
	return &RunService{runStore: runStore, ids: ids, now: time.Now}
}

func (s *RunService) StartRun(ctx context.Context, prefix string) (*store.Run, error) {
	return s.runStore.CreateRun(ctx, s.ids.NewString(), prefix)
}

// FinishRun stores the outcome of r and the components of its issue record.
func (s *RunService) FinishRun(
	ctx context.Context,
	r *store.Run,
	result *RunResult,
	issue *BuildIssue,
) error {
	r.Status = store.StatusFailed
	if result.Success {
		r.Status = store.StatusPassed
	}
	r.LogPath = util.NonEmptyPtr(result.LogPath)
	r.OverlayPath = util.NonEmptyPtr(result.OverlayPath)
	r.ImagePath = util.NonEmptyPtr(result.ImagePath)
	r.Uploaded = result.Uploaded
	r.RestoreVerified = result.RestoreVerified
	endedOn := s.now().UTC()
	r.EndedOn = &endedOn

	if err := s.runStore.UpdateRunEndedOn(ctx, r); err != nil {
		return err
	}
	if issue == nil || issue.Len() == 0 {
		return nil
	}

	components := make([]store.RunComponent, 0, issue.Len())
	for i, name := range issue.Names() {
		p, _ := issue.Get(name)
		components = append(components, store.RunComponent{
			Seq:        int64(i),
			Name:       name,
			CommitHash: p.Commit,
			Branch:     p.Branch,
			URL:        p.URL,
		})
	}
	return s.runStore.CreateRunComponents(ctx, r.RunID, components)
}

func (s *RunService) ListRuns(ctx context.Context, limit int64) ([]store.Run, error) {
	runs, err := s.runStore.ListLatestRuns(ctx, limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return runs, nil
}

func (s *RunService) GetRun(ctx context.Context, id string) (*store.Run, error) {
	r, err := s.runStore.ReadRunByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RunService) ListRunComponents(ctx context.Context, id string) ([]store.RunComponent, error) {
	if _, err := s.runStore.ReadRunByID(ctx, id); err != nil {
		return nil, err
	}
	return s.runStore.ListRunComponents(ctx, id)
}
