package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"product-import-service/internal/events"
	"product-import-service/internal/models"
)

// ErrWebhookNotFound is returned when a subscription id does not exist.
var ErrWebhookNotFound = errors.New("webhook not found")

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 8
	userAgent          = "product-import-service/webhooks"
)

// SubscriptionSource is the webhook persistence the dispatcher needs.
type SubscriptionSource interface {
	Get(ctx context.Context, id uint) (*models.Webhook, error)
	ListEnabledByEvent(ctx context.Context, eventType models.EventType) ([]models.Webhook, error)
	RecordDelivery(ctx context.Context, id uint, statusCode *int, deliveryErr *string, at time.Time) error
}

// Mirror receives a copy of every notified event.
type Mirror interface {
	Publish(ctx context.Context, eventType models.EventType, data map[string]interface{}) error
}

type Options struct {
	Timeout     time.Duration
	Concurrency int
}

// Dispatcher delivers catalog events to webhook subscribers. Deliveries are
// best effort: one attempt, failures logged and recorded, never returned.
type Dispatcher struct {
	source      SubscriptionSource
	mirror      Mirror
	client      *http.Client
	concurrency int
	logger      *logrus.Entry
	wg          sync.WaitGroup
}

// NewDispatcher builds a dispatcher. mirror may be nil.
func NewDispatcher(source SubscriptionSource, mirror Mirror, logger *logrus.Logger, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		source:      source,
		mirror:      mirror,
		client:      &http.Client{Timeout: opts.Timeout},
		concurrency: opts.Concurrency,
		logger:      logger.WithField("component", "webhooks"),
	}
}

// Notify schedules delivery of one event and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, eventType models.EventType, payload map[string]interface{}) {
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ctx, eventType, payload)
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, eventType models.EventType, payload map[string]interface{}) {
	log := d.logger.WithField("event", eventType)

	if d.mirror != nil {
		if err := d.mirror.Publish(ctx, eventType, payload); err != nil {
			log.WithError(err).Warn("Failed to mirror event to NATS")
		}
	}

	hooks, err := d.source.ListEnabledByEvent(ctx, eventType)
	if err != nil {
		log.WithError(err).Error("Failed to load webhook subscriptions")
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(events.Envelope{Event: eventType, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		log.WithError(err).Error("Failed to marshal webhook payload")
		return
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, hook := range hooks {
		hook := hook
		g.Go(func() error {
			d.deliver(ctx, hook, body)
			return nil
		})
	}
	_ = g.Wait()
}

// deliver posts body to one subscription and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, hook models.Webhook, body []byte) {
	log := d.logger.WithFields(logrus.Fields{"webhook_id": hook.ID, "event": hook.EventType})

	statusCode, _, err := d.post(ctx, hook.URL, body)

	var status *int
	var errMsg *string
	if statusCode > 0 {
		status = &statusCode
	}
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		log.WithError(err).Warn("Webhook delivery failed")
	} else {
		log.WithField("status_code", statusCode).Info("Webhook delivered")
	}

	if recErr := d.source.RecordDelivery(ctx, hook.ID, status, errMsg, time.Now()); recErr != nil {
		log.WithError(recErr).Warn("Failed to record webhook delivery")
	}
}

// post sends one request. A non-2xx response is returned as an error along
// with its status code.
func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, elapsed, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, elapsed, nil
}

// Test sends a single synchronous test event to one subscription.
func (d *Dispatcher) Test(ctx context.Context, id uint) (*models.WebhookTestResult, error) {
	hook, err := d.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(events.Envelope{
		Event: hook.EventType,
		Data: map[string]interface{}{
			"test":      true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal test payload: %w", err)
	}

	statusCode, elapsed, err := d.post(ctx, hook.URL, body)

	result := &models.WebhookTestResult{Success: err == nil}
	if statusCode > 0 {
		result.StatusCode = &statusCode
		ms := elapsed.Milliseconds()
		result.ResponseTimeMs = &ms
	}
	if err != nil {
		result.Message = err.Error()
	} else {
		result.Message = "Webhook test successful"
	}

	var errMsg *string
	if err != nil {
		errMsg = &result.Message
	}
	if recErr := d.source.RecordDelivery(ctx, hook.ID, result.StatusCode, errMsg, time.Now()); recErr != nil {
		d.logger.WithError(recErr).WithField("webhook_id", hook.ID).Warn("Failed to record webhook test")
	}

	return result, nil
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
