package nats

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"depot-notify/internal/models"
)

// Alerter publishes structured operator alerts to a dedicated subject.
// Alerts are best-effort: a publish failure is logged, never escalated.
type Alerter struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewAlerter creates an operator alerter.
func NewAlerter(conn *nats.Conn, subject string, logger *logrus.Logger) *Alerter {
	return &Alerter{conn: conn, subject: subject, logger: logger}
}

// Alert publishes one operator alert.
func (a *Alerter) Alert(alert models.Alert) {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	a.logger.Warnf("Operator alert [%s] table=%s: %s", alert.Kind, alert.Table, alert.Message)

	data, err := json.Marshal(alert)
	if err != nil {
		a.logger.Errorf("Failed to marshal alert: %v", err)
		return
	}
	if err := a.conn.Publish(a.subject, data); err != nil {
		a.logger.Errorf("Failed to publish alert: %v", err)
	}
}
