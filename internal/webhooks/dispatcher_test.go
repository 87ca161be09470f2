package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"product-import-service/internal/events"
	"product-import-service/internal/models"
)

type delivery struct {
	statusCode *int
	err        *string
}

type fakeSource struct {
	mu         sync.Mutex
	hooks      []models.Webhook
	listErr    error
	deliveries map[uint]delivery
}

func newFakeSource(hooks ...models.Webhook) *fakeSource {
	return &fakeSource{hooks: hooks, deliveries: make(map[uint]delivery)}
}

func (s *fakeSource) Get(_ context.Context, id uint) (*models.Webhook, error) {
	for _, h := range s.hooks {
		if h.ID == id {
			hook := h
			return &hook, nil
		}
	}
	return nil, ErrWebhookNotFound
}

func (s *fakeSource) ListEnabledByEvent(_ context.Context, eventType models.EventType) ([]models.Webhook, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Webhook
	for _, h := range s.hooks {
		if h.EventType == eventType && h.Enabled {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeSource) RecordDelivery(_ context.Context, id uint, statusCode *int, deliveryErr *string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[id] = delivery{statusCode: statusCode, err: deliveryErr}
	return nil
}

func (s *fakeSource) delivery(id uint) (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	return d, ok
}

type fakeMirror struct {
	mu     sync.Mutex
	events []models.EventType
}

func (m *fakeMirror) Publish(_ context.Context, eventType models.EventType, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNotifyDeliversToEnabledSubscribers(t *testing.T) {
	var mu sync.Mutex
	var bodies []events.Envelope
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var env events.Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		bodies = append(bodies, env)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	source := newFakeSource(
		models.Webhook{ID: 1, URL: ok.URL, EventType: models.EventProductImported, Enabled: true},
		models.Webhook{ID: 2, URL: failing.URL, EventType: models.EventProductImported, Enabled: true},
		models.Webhook{ID: 3, URL: ok.URL, EventType: models.EventProductImported, Enabled: false},
		models.Webhook{ID: 4, URL: ok.URL, EventType: models.EventProductDeleted, Enabled: true},
		models.Webhook{ID: 5, URL: "http://127.0.0.1:1", EventType: models.EventProductImported, Enabled: true},
	)
	mirror := &fakeMirror{}
	d := NewDispatcher(source, mirror, testLogger(), Options{Timeout: 2 * time.Second, Concurrency: 2})

	d.Notify(context.Background(), models.EventProductImported, map[string]interface{}{"task_id": "t-1", "created": 3})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, models.EventProductImported, bodies[0].Event)
	assert.Equal(t, "t-1", bodies[0].Data["task_id"])
	assert.EqualValues(t, 3, bodies[0].Data["created"])
	assert.False(t, bodies[0].Timestamp.IsZero())

	first, found := source.delivery(1)
	require.True(t, found)
	assert.Equal(t, 200, *first.statusCode)
	assert.Nil(t, first.err)

	second, found := source.delivery(2)
	require.True(t, found)
	assert.Equal(t, 500, *second.statusCode)
	require.NotNil(t, second.err)
	assert.Contains(t, *second.err, "unexpected status 500")

	unreachable, found := source.delivery(5)
	require.True(t, found)
	assert.Nil(t, unreachable.statusCode)
	require.NotNil(t, unreachable.err)

	_, found = source.delivery(3)
	assert.False(t, found, "disabled subscriptions are skipped")
	_, found = source.delivery(4)
	assert.False(t, found, "other event types are skipped")

	assert.Equal(t, []models.EventType{models.EventProductImported}, mirror.events)
}

func TestNotifyReturnsBeforeDelivery(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer slow.Close()

	source := newFakeSource(models.Webhook{ID: 1, URL: slow.URL, EventType: models.EventProductCreated, Enabled: true})
	d := NewDispatcher(source, nil, testLogger(), Options{})

	start := time.Now()
	d.Notify(context.Background(), models.EventProductCreated, map[string]interface{}{"product_id": 1})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	d.Wait()
	got, found := source.delivery(1)
	require.True(t, found)
	assert.Equal(t, 204, *got.statusCode)
}

func TestNotifyBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	var hooks []models.Webhook
	for i := 1; i <= 10; i++ {
		hooks = append(hooks, models.Webhook{ID: uint(i), URL: srv.URL, EventType: models.EventProductUpdated, Enabled: true})
	}
	source := newFakeSource(hooks...)
	d := NewDispatcher(source, nil, testLogger(), Options{Concurrency: 3})

	d.Notify(context.Background(), models.EventProductUpdated, nil)
	d.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	for i := 1; i <= 10; i++ {
		_, found := source.delivery(uint(i))
		assert.True(t, found)
	}
}

func TestNotifyTimesOutSlowSubscribers(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	source := newFakeSource(models.Webhook{ID: 1, URL: srv.URL, EventType: models.EventProductCreated, Enabled: true})
	d := NewDispatcher(source, nil, testLogger(), Options{Timeout: 50 * time.Millisecond})

	d.Notify(context.Background(), models.EventProductCreated, nil)
	d.Wait()

	got, found := source.delivery(1)
	require.True(t, found)
	assert.Nil(t, got.statusCode)
	require.NotNil(t, got.err)
}

func TestNotifySurvivesSourceErrors(t *testing.T) {
	source := newFakeSource()
	source.listErr = errors.New("db down")
	mirror := &fakeMirror{}
	d := NewDispatcher(source, mirror, testLogger(), Options{})

	d.Notify(context.Background(), models.EventProductDeleted, nil)
	d.Wait()

	assert.Equal(t, []models.EventType{models.EventProductDeleted}, mirror.events, "mirror still receives the event")
}

func TestTestWebhook(t *testing.T) {
	var received events.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	source := newFakeSource(
		models.Webhook{ID: 1, URL: srv.URL, EventType: models.EventProductDeleted, Enabled: false},
		models.Webhook{ID: 2, URL: "http://127.0.0.1:1", EventType: models.EventProductDeleted, Enabled: true},
	)
	d := NewDispatcher(source, nil, testLogger(), Options{Timeout: time.Second})

	result, err := d.Test(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, 202, *result.StatusCode)
	assert.NotNil(t, result.ResponseTimeMs)
	assert.Equal(t, "Webhook test successful", result.Message)
	assert.Equal(t, models.EventProductDeleted, received.Event)
	assert.Equal(t, true, received.Data["test"])

	result, err = d.Test(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Nil(t, result.StatusCode)
	assert.NotEmpty(t, result.Message)

	_, err = d.Test(context.Background(), 99)
	assert.ErrorIs(t, err, ErrWebhookNotFound)
}
