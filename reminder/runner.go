package reminder

import (
	"context"
	"log"
	"time"
)

// Runner performs one scan and dispatch pass per invocation
type Runner struct {
	scanner      *Scanner
	dispatcher   *Dispatcher
	queryTimeout time.Duration
	logger       *log.Logger
}

// NewRunner pairs a scanner with a dispatcher
func NewRunner(scanner *Scanner, dispatcher *Dispatcher, queryTimeout time.Duration, logger *log.Logger) *Runner {
	return &Runner{
		scanner:      scanner,
		dispatcher:   dispatcher,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

func (r *Runner) scan(ctx context.Context) ([]Event, error) {
	if r.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}

	return r.scanner.Scan(ctx)
}

// RunOnce scans for due doses and delivers them. Only a scan failure is
// returned; delivery failures are in the report.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	events, err := r.scan(ctx)
	if err != nil {
		r.logger.Printf("[Runner] Scan failed, nothing dispatched: %v", err)
		return nil, err
	}

	report := r.dispatcher.Dispatch(ctx, events)
	if report.Events > 0 {
		r.logger.Printf("[Runner] Pass finished in %s: %d sent, %d without devices, %d duplicate, %d failed",
			time.Since(start).Round(time.Millisecond), report.Sent, report.NoDevices, report.Duplicate, report.Failed)
	}

	return report, nil
}
