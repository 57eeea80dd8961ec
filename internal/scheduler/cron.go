package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field cron expressions and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses the cleanup schedule from configuration.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Every returns a fixed-interval schedule for the timeout sweep. cron rounds
// intervals below one second up to one second.
func Every(d time.Duration) cron.Schedule {
	return cron.Every(d)
}
