// Package cadence decides when the scheduler loop wakes.
//
// The loop itself holds no timer state; it asks its Cadence for the next
// wake time after each cycle. Tests drive cycles synchronously by
// supplying a fake.
package cadence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence yields the next time a scheduler cycle should start.
type Cadence interface {
	Next(after time.Time) time.Time
}

// Interval fires on a fixed period measured from the previous wake.
type Interval struct {
	period time.Duration
}

// NewInterval creates a fixed-period cadence.
func NewInterval(period time.Duration) *Interval {
	return &Interval{period: period}
}

func (i *Interval) Next(after time.Time) time.Time {
	return after.Add(i.period)
}

// Cron fires on cron-expression boundaries. The default expression
// "*/5 * * * *" aligns cycles to 5-minute wall-clock marks, so the first
// cycle after startup waits for the next mark rather than firing
// immediately.
type Cron struct {
	sched cron.Schedule
	loc   *time.Location
}

// NewCron parses a standard 5-field cron expression in the given IANA
// timezone (empty means UTC).
func NewCron(expression, timezone string) (*Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cadence expression: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &Cron{sched: sched, loc: loc}, nil
}

func (c *Cron) Next(after time.Time) time.Time {
	return c.sched.Next(after.In(c.loc))
}
