package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"product-import-service/internal/jobs"
	"product-import-service/internal/models"
)

// ErrCancelled marks a job stopped through Manager.Cancel or shutdown.
var ErrCancelled = errors.New("import cancelled")

const maxErrorSamples = 5

// Notifier receives terminal import events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, eventType models.EventType, payload map[string]interface{})
}

// worker runs a single import job over a spooled upload. It is the only
// writer of its job record. Rows are committed in windows of up to
// ProgressEveryRows rows or ProgressInterval, one transaction per window.
type worker struct {
	jobID    string
	filename string
	path     string

	store    jobs.Store
	upserter *Upserter
	products ProductStore
	notifier Notifier
	logger   *logrus.Entry
	progress *rate.Sometimes

	total     int
	processed int
	created   int
	updated   int
	rowErrors int
	samples   []string

	// window holds rows read since the last commit.
	window struct {
		rows    int
		errors  int
		pending []ParsedRow
	}
}

func (w *worker) execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Import worker panicked")
			w.fail(fmt.Sprintf("Import failed: unexpected error: %v", r))
		}
	}()

	if err := w.store.Transition(w.jobID, models.ImportStatusProcessing, "Processing"); err != nil {
		w.logger.WithError(err).Error("Failed to mark import as processing")
		return
	}

	start := time.Now()
	if err := w.process(ctx); err != nil {
		w.logger.WithError(err).WithField("processed", w.processed).Warn("Import failed")
		w.fail(failureMessage(err))
		return
	}

	w.complete(ctx)
	w.logger.WithFields(logrus.Fields{
		"rows":       w.processed,
		"created":    w.created,
		"updated":    w.updated,
		"row_errors": w.rowErrors,
		"duration":   time.Since(start).String(),
	}).Info("Import completed")
}

func (w *worker) process(ctx context.Context) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("unable to open upload: %w", err)
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	// Reject a bad header before scanning the whole file.
	if _, err := NewParser(bufio.NewReader(f)); err != nil {
		return err
	}
	if err := rewind(f); err != nil {
		return err
	}

	total, err := CountRows(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("unable to read upload: %w", err)
	}
	if err := rewind(f); err != nil {
		return err
	}
	w.total = total
	w.flush(ctx)

	parser, err := NewParser(bufio.NewReader(f))
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		row, err := parser.Next()
		if err == io.EOF {
			return w.commitWindow(ctx)
		}
		if err != nil {
			return fmt.Errorf("unable to read upload at row %d: %w", w.processed+w.window.rows+1, err)
		}

		w.window.rows++
		if row.Err != nil {
			w.window.errors++
			if len(w.samples) < maxErrorSamples {
				w.samples = append(w.samples, row.Err.Error())
			}
		} else {
			w.window.pending = append(w.window.pending, *row.Parsed)
		}

		var commitErr error
		w.progress.Do(func() { commitErr = w.commitWindow(ctx) })
		if commitErr != nil {
			return commitErr
		}
	}
}

func rewind(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("unable to rewind upload: %w", err)
	}
	return nil
}

// commitWindow applies the buffered rows in one transaction, then folds the
// window into the job counters and reports progress.
func (w *worker) commitWindow(ctx context.Context) error {
	if w.window.rows == 0 {
		return nil
	}

	outcomes, err := w.upserter.ApplyBatch(ctx, w.window.pending)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("store error: %w", err)
	}
	for _, outcome := range outcomes {
		if outcome == OutcomeCreated {
			w.created++
		} else {
			w.updated++
		}
	}

	w.rowErrors += w.window.errors
	w.processed += w.window.rows
	if w.processed > w.total {
		w.total = w.processed
	}
	w.window.rows = 0
	w.window.errors = 0
	w.window.pending = w.window.pending[:0]

	w.flush(ctx)
	return nil
}

// flush writes the current counters to the job store.
func (w *worker) flush(ctx context.Context) {
	total := w.total
	err := w.store.UpdateProgress(w.jobID, jobs.ProgressUpdate{
		Processed: w.processed,
		Total:     &total,
		Created:   w.created,
		Updated:   w.updated,
		Errors:    w.rowErrors,
	})
	if err != nil {
		w.logger.WithError(err).Warn("Failed to update import progress")
	}
	if w.processed > 0 {
		w.products.InvalidateListCaches(context.WithoutCancel(ctx))
	}
}

func (w *worker) complete(ctx context.Context) {
	w.total = w.processed
	w.flush(ctx)

	if err := w.store.Transition(w.jobID, models.ImportStatusCompleted, w.summary()); err != nil {
		w.logger.WithError(err).Error("Failed to mark import as completed")
		return
	}

	w.notifier.Notify(context.WithoutCancel(ctx), models.EventProductImported, map[string]interface{}{
		"task_id":    w.jobID,
		"filename":   w.filename,
		"total_rows": w.processed,
		"created":    w.created,
		"updated":    w.updated,
		"row_errors": w.rowErrors,
	})
}

func (w *worker) fail(message string) {
	w.flush(context.Background())
	if err := w.store.Transition(w.jobID, models.ImportStatusFailed, message); err != nil {
		w.logger.WithError(err).Error("Failed to mark import as failed")
	}
}

func (w *worker) summary() string {
	msg := fmt.Sprintf("Imported %d rows: %d created, %d updated, %d row errors",
		w.processed, w.created, w.updated, w.rowErrors)
	if len(w.samples) > 0 {
		msg += "; first errors: " + strings.Join(w.samples, "; ")
	}
	return msg
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "Import cancelled"
	case errors.Is(err, ErrMissingColumns), errors.Is(err, ErrEmptyFile):
		return "Invalid CSV header: " + err.Error()
	default:
		return "Import failed: " + err.Error()
	}
}
