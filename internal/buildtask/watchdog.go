package buildtask

import (
	"context"
	"log/slog"
	"time"
)

// Attachment is a broker attachment that a Watchdog can repair.
// Scheduler implements it.
type Attachment interface {
	BrokerStatus() BrokerStatus
	Detach()
	Attach(ctx context.Context) error
}

// WatchdogConfig holds the watchdog configuration.
type WatchdogConfig struct {
	Interval time.Duration // default: 30s
	Backoff  time.Duration // default: 2s
}

func (c *WatchdogConfig) interval() time.Duration {
	d := c.Interval
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func (c *WatchdogConfig) backoff() time.Duration {
	d := c.Backoff
	if d <= 0 {
		d = 2 * time.Second
	}
	return d
}

// Watchdog recreates the broker attachment when its connection stops being healthy.
// Connections can die without the client noticing, for example when a proxy reaps idle connections,
// and the scheduler would then stop receiving tasks for good.
type Watchdog struct {
	target  Attachment
	cfg     WatchdogConfig
	log     *slog.Logger
	retries int
}

func NewWatchdog(target Attachment, cfg WatchdogConfig, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		target: target,
		cfg:    cfg,
		log:    log.With("component", "watchdog"),
	}
}

// Run checks the attachment every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.Check(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Check reattaches once if the broker status isn't healthy.
// It reports the reattachment error, which the next Check retries with a longer backoff.
func (w *Watchdog) Check(ctx context.Context) error {
	status := w.target.BrokerStatus()
	if status.Healthy() {
		return nil
	}

	w.log.Warn("broker unhealthy, recreating attachment", "status", status, "retries", w.retries)
	w.target.Detach()

	wait := w.cfg.backoff()
	if w.retries > 0 {
		wait += backoffDuration(wait, w.retries-1)
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.target.Attach(ctx); err != nil {
		w.retries++
		w.log.Error("didn't recreate attachment", "error", err, "retries", w.retries)
		return err
	}

	w.log.Info("recreated attachment", "retries", w.retries)
	w.retries = 0
	return nil
}
