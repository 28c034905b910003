package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"depot-notify/internal/models"
)

// Connect establishes the shared NATS connection with reconnect handlers.
func Connect(url string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)
	return conn, nil
}

// notification is the wire shape of a dispatched new-record event.
type notification struct {
	Table       string                 `json:"table"`
	DetectedVia models.Source          `json:"detected_via"`
	Record      map[string]interface{} `json:"record"`
	NotifiedAt  time.Time              `json:"notified_at"`
}

// Dispatcher publishes new-record notifications to a per-table subject.
type Dispatcher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *logrus.Logger
}

// NewDispatcher creates a dispatcher publishing to <prefix>.<table>.
func NewDispatcher(conn *nats.Conn, subjectPrefix string, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}
}

// Dispatch publishes one notification for a validated, deduplicated record.
func (d *Dispatcher) Dispatch(table string, record map[string]interface{}, via models.Source) error {
	data, err := json.Marshal(notification{
		Table:       table,
		DetectedVia: via,
		Record:      record,
		NotifiedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", d.subjectPrefix, table)
	if err := d.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	d.logger.Debugf("Dispatched %s notification for %s", via, table)
	return nil
}
