// Package scheduler runs periodic maintenance against the key manager.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var resetParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resetter is anything whose failure counts can be cleared.
type Resetter interface {
	ResetFailureCounts()
}

// FailureReset clears failure counts on a cron schedule, e.g. at the hour a
// provider's free-tier quota rolls over.
type FailureReset struct {
	target   Resetter
	schedule string
	loc      *time.Location
	logger   *zap.Logger

	cron     *cron.Cron
	stopOnce sync.Once
}

// NewFailureReset validates schedule and returns a stopped scheduler.
// schedule is a five-field cron expression or a descriptor such as "@daily"
// or "@every 6h". A nil loc means time.Local.
func NewFailureReset(target Resetter, schedule string, loc *time.Location, logger *zap.Logger) (*FailureReset, error) {
	schedule = strings.TrimSpace(schedule)
	if _, err := resetParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("scheduler: invalid reset schedule %q: %w", schedule, err)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureReset{
		target:   target,
		schedule: schedule,
		loc:      loc,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start begins running resets. It must be called at most once.
func (r *FailureReset) Start() {
	c := cron.New(cron.WithParser(resetParser), cron.WithLocation(r.loc))
	// The schedule was validated in NewFailureReset.
	_, _ = c.AddFunc(r.schedule, r.run)
	r.cron = c
	c.Start()
	r.logger.Info("failure reset scheduled", zap.String("schedule", r.schedule), zap.String("tz", r.loc.String()))
}

// Stop halts the schedule and waits up to timeout for a running reset.
func (r *FailureReset) Stop(timeout time.Duration) {
	r.stopOnce.Do(func() {
		if r.cron == nil {
			return
		}
		ctx := r.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
			r.logger.Warn("failure reset stop timed out")
		}
	})
}

func (r *FailureReset) run() {
	r.target.ResetFailureCounts()
	r.logger.Info("scheduled failure reset done")
}
