package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"product-import-service/internal/config"
	"product-import-service/internal/importer"
	"product-import-service/internal/jobs"
	"product-import-service/internal/models"
	"product-import-service/internal/repository"
	"product-import-service/internal/webhooks"
)

type testApp struct {
	router      *gin.Engine
	products    *repository.ProductsRepository
	webhooks    *repository.WebhookRepository
	dispatcher  *webhooks.Dispatcher
	manager     *importer.Manager
	store       *jobs.MemoryStore
	uploadLimit int64
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, config.Migrate(db))

	app := &testApp{
		products:    repository.NewProductsRepository(db, nil, log),
		webhooks:    repository.NewWebhookRepository(db),
		store:       jobs.NewMemoryStore(time.Hour),
		uploadLimit: 1 << 20,
	}
	app.dispatcher = webhooks.NewDispatcher(app.webhooks, nil, log, webhooks.Options{Timeout: 2 * time.Second})
	app.manager = importer.NewManager(app.store, app.products, app.dispatcher, log, importer.Options{
		UploadDir: t.TempDir(),
	})
	t.Cleanup(func() {
		_ = app.manager.Shutdown(context.Background())
		app.dispatcher.Wait()
	})

	uploadHandler := NewUploadHandler(app.manager, app.store, app.uploadLimit, log)
	uploadHandler.streamInterval = 5 * time.Millisecond
	productsHandler := NewProductsHandler(app.products, app.dispatcher, 50, 1000, log)
	webhookHandler := NewWebhookHandler(app.webhooks, app.dispatcher, log)

	r := gin.New()
	r.GET("/health", HealthCheck)
	r.GET("/ready", ReadinessCheck(app.products))

	api := r.Group("/api")
	api.POST("/upload", uploadHandler.Upload)
	api.GET("/upload/template", uploadHandler.Template)
	api.GET("/upload/status/:task_id", uploadHandler.Status)
	api.GET("/upload/status/:task_id/stream", uploadHandler.Stream)
	api.POST("/upload/status/:task_id/cancel", uploadHandler.Cancel)

	api.GET("/products", productsHandler.GetProducts)
	api.GET("/products/export/excel", productsHandler.ExportExcel)
	api.GET("/products/:id", productsHandler.GetProduct)
	api.POST("/products", productsHandler.CreateProduct)
	api.PUT("/products/:id", productsHandler.UpdateProduct)
	api.DELETE("/products/:id", productsHandler.DeleteProduct)
	api.DELETE("/products", productsHandler.DeleteAllProducts)

	api.GET("/webhooks", webhookHandler.ListWebhooks)
	api.POST("/webhooks", webhookHandler.CreateWebhook)
	api.GET("/webhooks/:id", webhookHandler.GetWebhook)
	api.PUT("/webhooks/:id", webhookHandler.UpdateWebhook)
	api.DELETE("/webhooks/:id", webhookHandler.DeleteWebhook)
	api.POST("/webhooks/:id/test", webhookHandler.TestWebhook)

	app.router = r
	return app
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) upload(t *testing.T, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[models.ErrorResponse](t, w).Error.Code
}
