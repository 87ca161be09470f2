package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"product-import-service/internal/models"
)

const subjectPrefix = "catalog."

// Envelope is the message body mirrored to NATS. It matches the webhook body.
type Envelope struct {
	Event     models.EventType       `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher mirrors catalog events to NATS. A nil *Publisher is valid and
// drops every event.
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewPublisher connects to natsURL. Reconnects are unlimited so a NATS outage
// never blocks catalog writes.
func NewPublisher(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	log := logger.WithField("component", "catalog-events")

	nc, err := nats.Connect(natsURL,
		nats.Name("product-import-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{conn: nc, logger: log}, nil
}

// Subject returns the NATS subject an event type is published on.
func Subject(eventType models.EventType) string {
	return subjectPrefix + string(eventType)
}

// Publish sends one event. Failures are returned for logging only.
func (p *Publisher) Publish(ctx context.Context, eventType models.EventType, data map[string]interface{}) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(Envelope{Event: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(eventType), body); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	p.logger.WithField("subject", Subject(eventType)).Debug("Published catalog event")
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
