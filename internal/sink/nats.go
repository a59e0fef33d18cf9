package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/fangqiank/pgdrift/internal/cdc"
)

// NATSPublisher fans change events out to a NATS subject per table:
// <prefix>.<schema>.<table>.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *logrus.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher. Reconnection
// is handled by the client; disconnects are logged, not fatal.
func NewNATSPublisher(url, subjectPrefix string, logger *logrus.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if subjectPrefix == "" {
		subjectPrefix = "pgdrift.cdc"
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Warn("nats connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.WithField("url", url).Info("connected to nats")

	return &NATSPublisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// Publish is an EventFunc for the dispatch registry.
func (p *NATSPublisher) Publish(_ context.Context, event cdc.ChangeEvent) error {
	data, err := json.Marshal(eventEnvelope(event))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.subject(event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.logger.WithFields(logrus.Fields{
		"subject":   subject,
		"operation": event.Operation,
	}).Debug("published change event")
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *NATSPublisher) subject(event cdc.ChangeEvent) string {
	schema := subjectToken(event.SchemaName)
	if schema == "" {
		schema = "public"
	}
	return fmt.Sprintf("%s.%s.%s", p.subjectPrefix, schema, subjectToken(event.TableName))
}

// subjectToken strips characters NATS treats as subject structure.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		default:
			return r
		}
	}, strings.ToLower(s))
}

type envelope struct {
	Operation      string         `json:"operation"`
	Schema         string         `json:"schema"`
	Table          string         `json:"table"`
	Before         map[string]any `json:"before,omitempty"`
	After          map[string]any `json:"after,omitempty"`
	EventTime      time.Time      `json:"event_time"`
	TransactionID  uint32         `json:"transaction_id,omitempty"`
	Position       string         `json:"position,omitempty"`
	ChangedColumns []string       `json:"changed_columns,omitempty"`
}

func eventEnvelope(event cdc.ChangeEvent) envelope {
	env := envelope{
		Operation:      string(event.Operation),
		Schema:         event.SchemaName,
		Table:          event.TableName,
		Before:         event.Before,
		After:          event.After,
		EventTime:      event.EventTime,
		TransactionID:  event.TransactionID,
		ChangedColumns: event.ChangedColumns,
	}
	if event.Position != 0 {
		env.Position = event.Position.String()
	}
	return env
}
