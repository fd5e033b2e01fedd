package cron

import (
	"time"

	"github.com/go-co-op/gocron"
)

// NewCronScheduler returns a gocron scheduler in the given time zone,
// falling back to UTC when the zone can't be loaded.
func NewCronScheduler(timeZone string) *gocron.Scheduler {
	location, err := time.LoadLocation(timeZone)
	if err != nil {
		location = time.UTC
	}

	scheduler := gocron.NewScheduler(location)
	scheduler.TagsUnique()

	return scheduler
}
