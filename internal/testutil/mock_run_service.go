package testutil

import (
	"context"

	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) ListRuns(ctx context.Context, limit int64) ([]store.Run, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockRunService) GetRun(ctx context.Context, id string) (*store.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockRunService) ListRunComponents(
	ctx context.Context,
	id string,
) ([]store.RunComponent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.RunComponent), args.Error(1)
}
