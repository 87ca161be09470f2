package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"product-import-service/internal/jobs"
	"product-import-service/internal/models"
)

// ErrShuttingDown is returned by Submit once Shutdown has started.
var ErrShuttingDown = errors.New("importer is shutting down")

const (
	DefaultProgressEveryRows = 1000
	DefaultProgressInterval  = 500 * time.Millisecond
)

type Options struct {
	UploadDir         string
	ProgressEveryRows int
	ProgressInterval  time.Duration
}

// Manager schedules import jobs in the background and tracks the running ones.
type Manager struct {
	store    jobs.Store
	products ProductStore
	upserter *Upserter
	notifier Notifier
	logger   *logrus.Entry
	opts     Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

func NewManager(store jobs.Store, products ProductStore, notifier Notifier, logger *logrus.Logger, opts Options) *Manager {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.ProgressEveryRows <= 0 {
		opts.ProgressEveryRows = DefaultProgressEveryRows
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		products: products,
		upserter: NewUpserter(products),
		notifier: notifier,
		logger:   logger.WithField("component", "importer"),
		opts:     opts,
		running:  make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Submit spools src to disk, registers a pending job and starts it in the
// background. It returns as soon as the job is scheduled.
func (m *Manager) Submit(ctx context.Context, filename string, src io.Reader) (string, error) {
	// Shutdown cancels baseCtx under mu, so no wg.Add can follow its wg.Wait.
	m.mu.Lock()
	if m.baseCtx.Err() != nil {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()

	started := false
	defer func() {
		if !started {
			m.wg.Done()
		}
	}()

	jobID := uuid.New().String()
	path, err := m.spool(jobID, src)
	if err != nil {
		return "", err
	}

	if err := m.store.Register(models.ImportJob{
		ID:       jobID,
		Filename: filename,
		Status:   models.ImportStatusPending,
	}); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to register import job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.running[jobID] = cancel
	m.mu.Unlock()

	w := &worker{
		jobID:    jobID,
		filename: filename,
		path:     path,
		store:    m.store,
		upserter: m.upserter,
		products: m.products,
		notifier: m.notifier,
		logger: m.logger.WithFields(logrus.Fields{
			"task_id":  jobID,
			"filename": filename,
		}),
		progress: &rate.Sometimes{Every: m.opts.ProgressEveryRows, Interval: m.opts.ProgressInterval},
	}

	started = true
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.forget(jobID)
		defer func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				w.logger.WithError(err).Warn("Failed to remove spooled upload")
			}
		}()
		w.execute(jobCtx)
	}()

	m.logger.WithFields(logrus.Fields{"task_id": jobID, "filename": filename}).Info("Import job scheduled")
	return jobID, nil
}

func (m *Manager) spool(jobID string, src io.Reader) (string, error) {
	if err := os.MkdirAll(m.opts.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	path := filepath.Join(m.opts.UploadDir, jobID+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, nil
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.running, jobID)
	m.mu.Unlock()
}

// Cancel asks a running job to stop after its current row.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	cancel, ok := m.running[jobID]
	m.mu.Unlock()
	if ok {
		cancel()
		m.logger.WithField("task_id", jobID).Info("Import cancellation requested")
		return nil
	}

	job, err := m.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", jobs.ErrJobTerminal, jobID)
	}
	return nil
}

// Running reports how many jobs are in flight.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown cancels every running job and waits for them to reach a terminal state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stop()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all scheduled jobs have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
