package models

import "time"

// ImportStatus represents the status of an import job
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending"
	ImportStatusProcessing ImportStatus = "processing"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// rank orders statuses along the forward-only lifecycle.
func (s ImportStatus) rank() int {
	switch s {
	case ImportStatusPending:
		return 0
	case ImportStatusProcessing:
		return 1
	case ImportStatusCompleted, ImportStatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a forward step.
func (s ImportStatus) CanTransition(next ImportStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	// A job can fail before its stream opens, but only completes after processing.
	if next == ImportStatusCompleted && s != ImportStatusProcessing {
		return false
	}
	return next.rank() > s.rank()
}

// ImportJob tracks one background import. It lives only in process memory.
type ImportJob struct {
	ID            string       `json:"task_id"`
	Filename      string       `json:"filename"`
	Status        ImportStatus `json:"status"`
	TotalRows     int          `json:"total_rows"`
	ProcessedRows int          `json:"processed_rows"`
	CreatedCount  int          `json:"created_count"`
	UpdatedCount  int          `json:"updated_count"`
	ErrorCount    int          `json:"error_count"`
	Message       string       `json:"message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Percentage is the integer share of processed rows.
func (j ImportJob) Percentage() int {
	if j.Status == ImportStatusCompleted {
		return 100
	}
	if j.TotalRows <= 0 {
		return 0
	}
	return j.ProcessedRows * 100 / j.TotalRows
}

// UploadResponse is returned by POST /api/upload
type UploadResponse struct {
	TaskID   string       `json:"task_id"`
	Filename string       `json:"filename"`
	Status   ImportStatus `json:"status"`
}

// TaskStatusResponse is returned by GET /api/upload/status/:task_id
type TaskStatusResponse struct {
	Status     ImportStatus `json:"status"`
	Current    int          `json:"current"`
	Total      int          `json:"total"`
	Percentage int          `json:"percentage"`
	Message    string       `json:"message,omitempty"`
}

func NewTaskStatusResponse(job ImportJob) TaskStatusResponse {
	return TaskStatusResponse{
		Status:     job.Status,
		Current:    job.ProcessedRows,
		Total:      job.TotalRows,
		Percentage: job.Percentage(),
		Message:    job.Message,
	}
}

// ImportTemplateColumn defines a column in the import template
type ImportTemplateColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"`
	Example     string `json:"example"`
}

// ProductImportColumns returns the column definitions for product import
func ProductImportColumns() []ImportTemplateColumn {
	return []ImportTemplateColumn{
		{Name: "sku", Description: "Unique product SKU (case-insensitive)", Required: true, Type: "string", Example: "TSH-BLU-001"},
		{Name: "name", Description: "Product name", Required: true, Type: "string", Example: "Blue Cotton T-Shirt"},
		{Name: "description", Description: "Product description", Required: false, Type: "string", Example: "Soft cotton tee"},
		{Name: "price", Description: "Non-negative decimal price", Required: false, Type: "number", Example: "29.99"},
	}
}
