package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/config"
)

// Checker watches for passes that stopped happening.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	now       func() time.Time

	// alerted suppresses repeats until a newer pass shows up.
	alerted *time.Time
}

// NewChecker creates a background pass-freshness checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting pass checker",
		zap.Duration("interval", interval),
		zap.Duration("max_pass_age", c.cfg.MaxPassAge),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("pass checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// Overdue returns an alert when the latest pass finished longer ago than
// MaxPassAge, or when no pass was ever recorded.
func (c *Checker) Overdue(snap *Snapshot) *Alert {
	if c.cfg.MaxPassAge <= 0 {
		return nil
	}
	now := c.now().UTC()
	msg := "no pass has been recorded"
	if snap.LastPassAt != nil {
		age := now.Sub(*snap.LastPassAt)
		if age <= c.cfg.MaxPassAge {
			return nil
		}
		msg = fmt.Sprintf("last pass finished %s ago (max %s)", age.Truncate(time.Second), c.cfg.MaxPassAge)
	}
	return &Alert{
		Type:      AlertPassOverdue,
		Severity:  "high",
		Message:   msg,
		Details:   map[string]any{"failed": snap.Failed, "in_progress": snap.InProgress},
		Timestamp: now,
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, 1)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return
	}

	alert := c.Overdue(snap)
	if alert == nil {
		c.alerted = nil
		log.Debug("monitoring: passes are fresh")
		return
	}
	if c.alerted != nil && sameTime(c.alerted, snap.LastPassAt) {
		return
	}

	if c.alerter.SendAlerts(ctx, []Alert{*alert}) > 0 {
		last := time.Time{}
		if snap.LastPassAt != nil {
			last = *snap.LastPassAt
		}
		c.alerted = &last
	}
}

func sameTime(alerted, last *time.Time) bool {
	if last == nil {
		return alerted.IsZero()
	}
	return alerted.Equal(*last)
}
