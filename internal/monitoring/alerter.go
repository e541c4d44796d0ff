package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/config"
	"github.com/sells-group/news-sentinel/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStageFailureRate AlertType = "stage_failure_rate"
	AlertStageAborted     AlertType = "stage_aborted"
	AlertFeedsDown        AlertType = "feeds_down"
	AlertPassOverdue      AlertType = "pass_overdue"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Text renders the alert as one chat line.
func (a Alert) Text() string {
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Message)
}

// Poster delivers a text message to the ops channel.
type Poster interface {
	Post(ctx context.Context, text string) error
}

// Alerter evaluates pass records against configured thresholds and posts
// alerts when they are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	poster Poster
}

// NewAlerter creates a new Alerter. A nil poster disables sending.
func NewAlerter(cfg config.MonitoringConfig, poster Poster) *Alerter {
	return &Alerter{cfg: cfg, poster: poster}
}

// Evaluate checks one pass and returns any alerts.
func (a *Alerter) Evaluate(rec model.PassRecord) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, s := range rec.Stages {
		if s.Aborted != "" {
			alerts = append(alerts, Alert{
				Type:     AlertStageAborted,
				Severity: "high",
				Message:  fmt.Sprintf("stage %s aborted in pass %s: %s", s.Stage, rec.ID, s.Aborted),
				Details: map[string]any{
					"stage":   s.Stage,
					"pass_id": rec.ID,
					"claimed": s.Claimed,
				},
				Timestamp: now,
			})
		}

		finished := s.Done + s.Failed
		if finished >= a.cfg.MinFinished && finished > 0 && s.FailureRate() > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertStageFailureRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"stage %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					s.Stage, s.FailureRate()*100, a.cfg.FailureRateThreshold*100, s.Failed, finished,
				),
				Details: map[string]any{
					"stage":        s.Stage,
					"pass_id":      rec.ID,
					"failure_rate": s.FailureRate(),
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       s.Failed,
					"finished":     finished,
				},
				Timestamp: now,
			})
		}

		if c := s.Collect; c != nil && c.Feeds > 0 && c.FeedFailures == c.Feeds {
			alerts = append(alerts, Alert{
				Type:      AlertFeedsDown,
				Severity:  "high",
				Message:   fmt.Sprintf("all %d feeds failed in pass %s", c.Feeds, rec.ID),
				Details:   map[string]any{"feeds": c.Feeds, "pass_id": rec.ID},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the ops channel.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.poster == nil || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.poster.Post(ctx, alert.Text()); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}
