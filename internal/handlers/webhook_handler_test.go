package handlers

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"product-import-service/internal/models"
)

func TestWebhookCRUDAndTest(t *testing.T) {
	app := setupTestApp(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	w := app.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"url":        target.URL,
		"event_type": "product.imported",
		"enabled":    false,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	hook := decode[models.Webhook](t, w)
	assert.False(t, hook.Enabled)
	path := "/api/webhooks/" + strconv.FormatUint(uint64(hook.ID), 10)

	w = app.do(t, http.MethodGet, "/api/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Webhook](t, w), 1)

	w = app.do(t, http.MethodPut, path, map[string]interface{}{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Webhook](t, w).Enabled)

	w = app.do(t, http.MethodPost, path+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[models.WebhookTestResult](t, w)
	assert.True(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, 200, *result.StatusCode)

	w = app.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored := decode[models.Webhook](t, w)
	require.NotNil(t, stored.LastStatusCode)
	assert.Equal(t, 200, *stored.LastStatusCode)
	assert.NotNil(t, stored.LastTriggeredAt)

	w = app.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, path},
		{http.MethodDelete, path},
		{http.MethodPost, path + "/test"},
	} {
		w = app.do(t, req.method, req.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, req.method+" "+req.path)
	}
}

func TestWebhookValidation(t *testing.T) {
	app := setupTestApp(t)

	w := app.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{"url": "http://example.com", "event_type": "product.exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_EVENT_TYPE", errorCode(t, w))

	w = app.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{"url": "not a url", "event_type": "product.created"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{"url": "http://example.com", "event_type": "product.created"})
	require.Equal(t, http.StatusCreated, w.Code)
	hook := decode[models.Webhook](t, w)
	assert.True(t, hook.Enabled, "enabled defaults to true")

	w = app.do(t, http.MethodPut, "/api/webhooks/"+strconv.FormatUint(uint64(hook.ID), 10), map[string]interface{}{"event_type": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
