package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"product-import-service/internal/models"
)

var (
	ErrDuplicateJob       = errors.New("import job already registered")
	ErrUnknownJob         = errors.New("import job not found")
	ErrInvalidTransition  = errors.New("invalid import job transition")
	ErrJobTerminal        = errors.New("import job already finished")
	ErrProgressRegression = errors.New("processed rows cannot decrease")
	ErrProgressOutOfRange = errors.New("processed rows exceed total rows")
)

// Store is the registry polled by status readers and written by import workers.
type Store interface {
	Register(job models.ImportJob) error
	UpdateProgress(id string, update ProgressUpdate) error
	Transition(id string, status models.ImportStatus, message string) error
	Get(id string) (models.ImportJob, error)
}

// ProgressUpdate carries counters for UpdateProgress. Nil fields are left as they are.
type ProgressUpdate struct {
	Processed int
	Total     *int
	Created   int
	Updated   int
	Errors    int
	Message   *string
}

type entry struct {
	job        models.ImportJob
	finishedAt time.Time
}

// MemoryStore keeps jobs in process memory. Terminal jobs are evicted after the
// retention period once Start has been called.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	retention time.Duration
	now       func() time.Time
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*entry),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Register(job models.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	now := s.now()
	if job.Status == "" {
		job.Status = models.ImportStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = &entry{job: job}
	return nil
}

func (s *MemoryStore) UpdateProgress(id string, update ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if e.job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, id)
	}
	if update.Processed < e.job.ProcessedRows {
		return fmt.Errorf("%w: %d < %d", ErrProgressRegression, update.Processed, e.job.ProcessedRows)
	}

	total := e.job.TotalRows
	if update.Total != nil {
		total = *update.Total
	}
	if total > 0 && update.Processed > total {
		return fmt.Errorf("%w: %d > %d", ErrProgressOutOfRange, update.Processed, total)
	}

	e.job.ProcessedRows = update.Processed
	e.job.TotalRows = total
	e.job.CreatedCount = update.Created
	e.job.UpdatedCount = update.Updated
	e.job.ErrorCount = update.Errors
	if update.Message != nil {
		e.job.Message = *update.Message
	}
	e.job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Transition(id string, status models.ImportStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !e.job.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.job.Status, status)
	}

	now := s.now()
	e.job.Status = status
	if message != "" {
		e.job.Message = message
	}
	e.job.UpdatedAt = now
	if status.Terminal() {
		e.finishedAt = now
	}
	return nil
}

// Get returns a copy of the job, so callers never share memory with the writer.
func (s *MemoryStore) Get(id string) (models.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return models.ImportJob{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return e.job, nil
}

// Len returns the number of tracked jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Start runs the eviction loop until ctx is cancelled.
func (s *MemoryStore) Start(ctx context.Context) {
	interval := s.retention / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.EvictExpired()
			}
		}
	}()
}

// EvictExpired drops terminal jobs whose retention period has passed and
// returns how many were removed.
func (s *MemoryStore) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for id, e := range s.jobs {
		if e.job.Status.Terminal() && now.Sub(e.finishedAt) >= s.retention {
			delete(s.jobs, id)
			evicted++
		}
	}
	return evicted
}
