package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"product-import-service/internal/importer"
	"product-import-service/internal/jobs"
	"product-import-service/internal/models"
)

const defaultStreamInterval = 500 * time.Millisecond

type UploadHandler struct {
	manager        *importer.Manager
	store          jobs.Store
	maxUploadSize  int64
	streamInterval time.Duration
	logger         *logrus.Entry
}

func NewUploadHandler(manager *importer.Manager, store jobs.Store, maxUploadSize int64, logger *logrus.Logger) *UploadHandler {
	return &UploadHandler{
		manager:        manager,
		store:          store,
		maxUploadSize:  maxUploadSize,
		streamInterval: defaultStreamInterval,
		logger:         logger.WithField("component", "upload-handler"),
	}
}

// Upload accepts a CSV file and schedules a background import
// POST /api/upload
func (h *UploadHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
				fmt.Sprintf("File exceeds the %d byte upload limit", h.maxUploadSize))
			return
		}
		respondError(c, http.StatusBadRequest, "FILE_REQUIRED", "Please upload a CSV file")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		respondError(c, http.StatusBadRequest, "INVALID_FORMAT", "Only CSV files are allowed")
		return
	}

	taskID, err := h.manager.Submit(c.Request.Context(), filename, file)
	if err != nil {
		if errors.Is(err, importer.ErrShuttingDown) {
			respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down")
			return
		}
		h.logger.WithError(err).WithField("filename", filename).Error("Failed to schedule import")
		respondError(c, http.StatusInternalServerError, "UPLOAD_FAILED", "Failed to store upload")
		return
	}

	c.JSON(http.StatusAccepted, models.UploadResponse{
		TaskID:   taskID,
		Filename: filename,
		Status:   models.ImportStatusPending,
	})
}

// Status reports progress of an import job
// GET /api/upload/status/:task_id
func (h *UploadHandler) Status(c *gin.Context) {
	job, err := h.store.Get(c.Param("task_id"))
	if err != nil {
		h.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTaskStatusResponse(job))
}

// Stream pushes progress as server-sent events until the job is terminal
// GET /api/upload/status/:task_id/stream
func (h *UploadHandler) Stream(c *gin.Context) {
	taskID := c.Param("task_id")
	job, err := h.store.Get(taskID)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		c.SSEvent("progress", models.NewTaskStatusResponse(job))
		c.Writer.Flush()
		if job.Status.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = h.store.Get(taskID)
		if err != nil {
			c.SSEvent("error", gin.H{"code": "TASK_NOT_FOUND", "message": "Task not found"})
			c.Writer.Flush()
			return
		}
	}
}

// Cancel stops a running import after its current row
// POST /api/upload/status/:task_id/cancel
func (h *UploadHandler) Cancel(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.manager.Cancel(taskID); err != nil {
		h.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.MessageResponse{Message: "Cancellation requested"})
}

func (h *UploadHandler) respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		respondError(c, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		respondError(c, http.StatusConflict, "TASK_FINISHED", "Task has already finished")
	default:
		h.logger.WithError(err).Error("Failed to read import job")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read task")
	}
}

// Template returns the import template definition or file
// GET /api/upload/template
func (h *UploadHandler) Template(c *gin.Context) {
	columns := models.ProductImportColumns()

	switch c.DefaultQuery("format", "json") {
	case "csv":
		h.csvTemplate(c, columns)
	case "xlsx":
		h.xlsxTemplate(c, columns)
	default:
		c.JSON(http.StatusOK, gin.H{"columns": columns})
	}
}

func (h *UploadHandler) csvTemplate(c *gin.Context, columns []models.ImportTemplateColumn) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.csv")

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = col.Name
	}

	writer := csv.NewWriter(c.Writer)
	_ = writer.Write(headers)
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.WithError(err).Warn("Failed to write CSV template")
	}
}

func (h *UploadHandler) xlsxTemplate(c *gin.Context, columns []models.ImportTemplateColumn) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Products"
	_ = f.SetSheetName("Sheet1", sheet)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	requiredStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"C65911"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})

	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		text, style := col.Name, headerStyle
		if col.Required {
			text, style = col.Name+" *", requiredStyle
		}
		_ = f.SetCellValue(sheet, cell, text)
		_ = f.SetCellStyle(sheet, cell, cell, style)

		colName, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheet, colName, colName, 24)
	}

	instructions := "Instructions"
	_, _ = f.NewSheet(instructions)
	_ = f.SetCellValue(instructions, "A1", "Product Import Instructions")
	_ = f.SetCellValue(instructions, "A2", "Save the Products sheet as CSV before uploading. Rows are matched to existing products by SKU, ignoring case.")
	for i, title := range []string{"Column", "Description", "Required", "Type", "Example"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 4)
		_ = f.SetCellValue(instructions, cell, title)
	}
	for i, col := range columns {
		row := i + 5
		required := "Optional"
		if col.Required {
			required = "Required"
		}
		_ = f.SetSheetRow(instructions, fmt.Sprintf("A%d", row), &[]interface{}{col.Name, col.Description, required, col.Type, col.Example})
	}
	_ = f.SetColWidth(instructions, "A", "A", 20)
	_ = f.SetColWidth(instructions, "B", "B", 60)
	_ = f.SetColWidth(instructions, "C", "E", 15)

	idx, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(idx)

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.xlsx")
	if err := f.Write(c.Writer); err != nil {
		h.logger.WithError(err).Warn("Failed to write XLSX template")
	}
}
