package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_ScheduleNightly(t *testing.T) {
	t.Run("success - job registered", func(t *testing.T) {
		// arrange
		s := NewScheduler()
		defer s.Shutdown()

		// act
		job, err := ScheduleNightly(context.Background(), s, "0 3 * * *", func(context.Context) {})

		// assert
		assert.NoError(t, err)
		assert.Equal(t, nightlyJobName, job.Name())
		assert.Len(t, s.Jobs(), 1)
	})

	t.Run("failure - invalid crontab", func(t *testing.T) {
		// arrange
		s := NewScheduler()
		defer s.Shutdown()

		// act
		_, err := ScheduleNightly(context.Background(), s, "every night", func(context.Context) {})

		// assert
		assert.Error(t, err)
		assert.Empty(t, s.Jobs())
	})
}
