package service

import (
	"context"
	"log"

	"github.com/go-co-op/gocron/v2"
)

const nightlyJobName = "nightly-package"

func NewScheduler() gocron.Scheduler {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal(err)
	}
	return scheduler
}

// ScheduleNightly runs task on the crontab schedule. A firing while the
// previous task is still running is skipped.
func ScheduleNightly(
	ctx context.Context,
	s gocron.Scheduler,
	crontab string,
	task func(context.Context),
) (gocron.Job, error) {
	return s.NewJob(
		gocron.CronJob(crontab, false),
		gocron.NewTask(func() { task(ctx) }),
		gocron.WithName(nightlyJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
