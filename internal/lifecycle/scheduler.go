package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rikouu/cortex/internal/clock"
)

// Schedule is a reduced cron expression: "M H * * *" (daily at H:M local).
// The engine's single-runner guard makes the timer safe against an
// overlapping explicit HTTP run.
type Schedule struct {
	Minute int
	Hour   int
}

// ParseSchedule accepts the "M H * * *" form; anything else errors.
func ParseSchedule(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 || fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return Schedule{}, fmt.Errorf("lifecycle: unsupported schedule %q (want \"M H * * *\")", expr)
	}
	minute, err := strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return Schedule{}, fmt.Errorf("lifecycle: bad minute in schedule %q", expr)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return Schedule{}, fmt.Errorf("lifecycle: bad hour in schedule %q", expr)
	}
	return Schedule{Minute: minute, Hour: hour}, nil
}

// next returns the first instant after now matching the schedule.
func (s Schedule) next(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Scheduler fires Engine.Run at the configured daily time until its
// context is cancelled.
type Scheduler struct {
	engine   *Engine
	schedule Schedule
	clock    clock.Clock
	warn     func(msg string, err error)
}

// NewScheduler assembles a Scheduler.
func NewScheduler(engine *Engine, schedule Schedule, clk clock.Clock, warn func(string, error)) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{engine: engine, schedule: schedule, clock: clk, warn: warn}
}

// Start blocks until ctx is cancelled, running the sweep at each tick.
// Call it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		wait := s.schedule.next(s.clock.Now()).Sub(s.clock.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.engine.Run(ctx, false); err != nil && s.warn != nil {
			s.warn("lifecycle: scheduled run failed", err)
		}
	}
}
