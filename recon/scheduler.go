package recon

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/channelsync_backend/config"
	"bitbucket.org/mmdatafocus/channelsync_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const cycleLockKey = "channelsync:recon:cycle-lock"

// NewRedisCycleLock returns a best-effort cross-instance cycle lock. A lost
// redislock race maps to ErrCycleLocked; an unreachable Redis yields a no-op
// release so a cycle is never blocked by cache downtime.
func NewRedisCycleLock(ttl time.Duration) func(ctx context.Context) (func(), error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return func(ctx context.Context) (func(), error) {
		locker := config.GetRedisLock()
		if locker == nil {
			return func() {}, nil
		}
		lock, err := locker.Obtain(ctx, cycleLockKey, ttl, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrCycleLocked
		}
		if err != nil {
			return func() {}, nil
		}
		return func() { _ = lock.Release(context.Background()) }, nil
	}
}

// StartScheduler begins periodic cycles and persists the enabled flag and
// interval so the schedule survives restarts. Idempotent: starting while
// running just re-applies the interval.
func (e *Engine) StartScheduler(ctx context.Context, intervalMinutes int) error {
	if intervalMinutes <= 0 {
		return errors.New("interval must be positive")
	}
	if err := e.store.SetConfig(ctx, models.ConfigKeyReturnSyncEnabled, "true"); err != nil {
		return err
	}
	if err := e.store.SetConfig(ctx, models.ConfigKeyReturnSyncInterval, strconv.Itoa(intervalMinutes)); err != nil {
		return err
	}

	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.schedOn {
		close(e.schedStop)
	}
	e.schedStop = make(chan struct{})
	e.schedOn = true
	go e.schedulerLoop(time.Duration(intervalMinutes)*time.Minute, e.schedStop)

	e.logger.WithField("interval_minutes", intervalMinutes).Info("return sync scheduler started")
	return nil
}

// StopScheduler stops the ticker and persists the disabled flag. Safe to call
// when not running.
func (e *Engine) StopScheduler(ctx context.Context) error {
	if err := e.store.SetConfig(ctx, models.ConfigKeyReturnSyncEnabled, "false"); err != nil {
		return err
	}

	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.schedOn {
		close(e.schedStop)
		e.schedOn = false
	}
	e.logger.Info("return sync scheduler stopped")
	return nil
}

func (e *Engine) SchedulerActive() bool {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.schedOn
}

func (e *Engine) schedulerLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.RunCycle(context.Background()); err != nil {
				e.logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("scheduled cycle failed")
			}
		}
	}
}

// ResumeSchedulerFromConfig restarts the ticker after a process restart when
// the persisted flag says it was on.
func (e *Engine) ResumeSchedulerFromConfig(ctx context.Context) error {
	enabled, ok, err := e.store.GetConfig(ctx, models.ConfigKeyReturnSyncEnabled)
	if err != nil {
		return err
	}
	if !ok || enabled != "true" {
		return nil
	}
	interval := 60
	if raw, ok, err := e.store.GetConfig(ctx, models.ConfigKeyReturnSyncInterval); err == nil && ok {
		if n, perr := strconv.Atoi(raw); perr == nil && n > 0 {
			interval = n
		}
	}
	return e.StartScheduler(ctx, interval)
}

// Status assembles the operator-facing snapshot.
func (e *Engine) Status(ctx context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{
		Active:     e.SchedulerActive(),
		Running:    e.Running(),
		Phase:      e.Phase(),
		LastResult: e.LastResult(),
	}
	if raw, ok, err := e.store.GetConfig(ctx, models.ConfigKeyLastSyncTime); err == nil && ok {
		resp.LastSyncTime = &raw
	}
	return resp, nil
}
