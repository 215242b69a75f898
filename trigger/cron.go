// Package trigger invokes a reminder pass once per minute.
package trigger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// EveryMinute is the schedule reminder passes run on
const EveryMinute = "* * * * *"

// Job is one pass, typically reminder.Runner.RunOnce
type Job func(ctx context.Context) error

// Cron runs a Job on a cron schedule. Runs may overlap when one takes
// longer than the period.
type Cron struct {
	cron    *cron.Cron
	job     Job
	timeout time.Duration
	logger  *log.Logger
}

type cronLogger struct {
	logger *log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Printf("[Cron] %s: %v %v", msg, err, keysAndValues)
}

// NewCron schedules job on schedule in location. Each run gets at most timeout, zero for none.
func NewCron(schedule string, location *time.Location, job Job, timeout time.Duration, logger *log.Logger) (*Cron, error) {
	if location == nil {
		location = time.Local
	}

	cl := cronLogger{logger: logger}
	c := &Cron{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		job:     job,
		timeout: timeout,
		logger:  logger,
	}

	if _, err := c.cron.AddFunc(schedule, c.run); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	return c, nil
}

func (c *Cron) run() {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.job(ctx); err != nil {
		c.logger.Printf("[Cron] Reminder pass failed: %v", err)
	}
}

// Start the scheduler in its own goroutine
func (c *Cron) Start() {
	c.logger.Println("[Cron] Starting reminder trigger (every minute)")
	c.cron.Start()
}

// Stop scheduling and wait for running passes until ctx is done
func (c *Cron) Stop(ctx context.Context) error {
	select {
	case <-c.cron.Stop().Done():
		c.logger.Println("[Cron] Stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next scheduled run after now
func (c *Cron) Next() time.Time {
	entries := c.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}

	return entries[0].Next
}
