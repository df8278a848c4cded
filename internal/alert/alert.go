// Package alert is the operational alerting sink. Raising an alert is fire
// and forget: failures are swallowed so an alerting outage can never change
// a policy verdict.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one raised event.
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives alerts.
type Sink interface {
	RaiseAlert(ctx context.Context, tenantID, alertType, message string, severity Severity)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a slog-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "alert")}
}

func (s *LogSink) RaiseAlert(_ context.Context, tenantID, alertType, message string, severity Severity) {
	level := slog.LevelInfo
	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "alert raised",
		"alert_id", uuid.New().String(),
		"tenant", tenantID,
		"type", alertType,
		"message", message,
		"severity", severity,
	)
}

// Recorder keeps raised alerts in memory. Used in tests and as an
// inspection buffer for the HTTP surface.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewRecorder creates an empty in-memory recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) RaiseAlert(_ context.Context, tenantID, alertType, message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      alertType,
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now(),
	})
}

// Alerts returns a copy of everything raised so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Multi fans one alert out to several sinks.
type Multi []Sink

func (m Multi) RaiseAlert(ctx context.Context, tenantID, alertType, message string, severity Severity) {
	for _, s := range m {
		s.RaiseAlert(ctx, tenantID, alertType, message, severity)
	}
}
