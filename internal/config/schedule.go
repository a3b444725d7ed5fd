package config

import (
	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard five-field cron expressions and
// descriptors such as @daily
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a maintenance window schedule
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}
