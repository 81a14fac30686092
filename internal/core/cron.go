package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron accepts a standard 5-field expression (minute hour dom month dow).
// Descriptors such as @daily are refused so schedules stay explicit in config.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n fire times after base.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// NextRun returns the first fire time of expr after base, or nil when expr
// does not parse or never fires.
func NextRun(expr string, base time.Time) *time.Time {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil
	}
	times := NextOccurrences(schedule, base, 1)
	if len(times) == 0 {
		return nil
	}
	next := times[0].UTC()
	return &next
}
