// Package housekeeping purges durable records nothing can use any more.
//
// Only expired refresh-token records are removed. Revoked records that have
// not expired stay, since replay detection needs them.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard"
)

// Purger is satisfied by *stores.Store.
type Purger interface {
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// Janitor runs the purge on a cron schedule.
type Janitor struct {
	purger    Purger
	retention time.Duration
	schedule  string
	log       *logrus.Logger
	now       func() time.Time
	timeout   time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

type Option func(*Janitor)

func WithLogger(l *logrus.Logger) Option {
	return func(j *Janitor) {
		if l != nil {
			j.log = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(j *Janitor) {
		if fn != nil {
			j.now = fn
		}
	}
}

// New validates cfg.Schedule with the standard five-field parser, which also
// accepts descriptors such as @hourly and @every 10m.
func New(p Purger, cfg shopguard.HousekeepingConfig, opts ...Option) (*Janitor, error) {
	if p == nil {
		return nil, errors.New("housekeeping: purger is required")
	}
	if cfg.Retention < 0 {
		return nil, errors.New("housekeeping: retention must be >= 0")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("housekeeping: invalid schedule %q: %w", cfg.Schedule, err)
	}
	j := &Janitor{
		purger:    p,
		retention: cfg.Retention,
		schedule:  cfg.Schedule,
		log:       logrus.StandardLogger(),
		now:       time.Now,
		timeout:   time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// RunOnce deletes records that expired more than the retention ago.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.purger.DeleteExpiredRefreshTokens(ctx, cutoff)
	if err != nil {
		j.log.WithError(err).Error("refresh token purge failed")
		return 0, err
	}
	j.log.WithFields(logrus.Fields{
		"deleted": n,
		"cutoff":  cutoff.UTC().Format(time.RFC3339),
	}).Info("refresh token purge completed")
	return n, nil
}

// Start schedules RunOnce. Calling Start twice is a no-op.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		_, _ = j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("housekeeping: schedule purge: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true
	j.log.WithField("schedule", j.schedule).Info("housekeeping started")
	return nil
}

// Stop halts the schedule and waits for a running purge, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
