package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"product-import-service/internal/importer"
	"product-import-service/internal/models"
	"product-import-service/internal/repository"
)

type ProductsHandler struct {
	repo            *repository.ProductsRepository
	notifier        importer.Notifier
	defaultPageSize int
	maxPageSize     int
	logger          *logrus.Entry
}

func NewProductsHandler(repo *repository.ProductsRepository, notifier importer.Notifier, defaultPageSize, maxPageSize int, logger *logrus.Logger) *ProductsHandler {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	if maxPageSize < defaultPageSize {
		maxPageSize = defaultPageSize
	}
	return &ProductsHandler{
		repo:            repo,
		notifier:        notifier,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		logger:          logger.WithField("component", "products-handler"),
	}
}

func productEventPayload(p *models.Product) map[string]interface{} {
	return map[string]interface{}{
		"product_id": p.ID,
		"sku":        p.SKU,
	}
}

// filterFromQuery reads search and active. It writes a 400 and returns false on bad input.
func filterFromQuery(c *gin.Context) (models.ProductFilter, bool) {
	active, ok := parseOptionalBool(c, "active")
	if !ok {
		return models.ProductFilter{}, false
	}
	return models.ProductFilter{
		Search: parseOptionalString(c, "search"),
		Active: active,
	}, true
}

// GetProducts lists products with search, active filter and pagination
// GET /api/products
func (h *ProductsHandler) GetProducts(c *gin.Context) {
	filter, ok := filterFromQuery(c)
	if !ok {
		return
	}

	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETER", "skip must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.defaultPageSize)))
	if err != nil || limit < 1 || limit > h.maxPageSize {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETER",
			fmt.Sprintf("limit must be between 1 and %d", h.maxPageSize))
		return
	}
	filter.Skip = skip
	filter.Limit = limit

	products, total, err := h.repo.ListProducts(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list products")
		respondError(c, http.StatusInternalServerError, "FETCH_FAILED", "Failed to retrieve products")
		return
	}
	if products == nil {
		products = []models.Product{}
	}

	c.JSON(http.StatusOK, models.ProductListResponse{
		Items: products,
		Total: total,
		Skip:  skip,
		Limit: limit,
	})
}

// GetProduct retrieves a single product
// GET /api/products/:id
func (h *ProductsHandler) GetProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	product, err := h.repo.GetProductByID(c.Request.Context(), id)
	if err != nil {
		h.respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// CreateProduct creates a product; SKUs are unique ignoring case
// POST /api/products
func (h *ProductsHandler) CreateProduct(c *gin.Context) {
	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	sku := strings.TrimSpace(req.SKU)
	name := strings.TrimSpace(req.Name)
	if sku == "" || name == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "sku and name are required")
		return
	}

	product := &models.Product{
		SKU:         sku,
		Name:        name,
		Description: req.Description,
		Price:       req.Price,
		Active:      true,
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	if err := h.repo.Create(c.Request.Context(), product); err != nil {
		h.respondRepoError(c, err)
		return
	}
	h.repo.InvalidateListCaches(c.Request.Context())

	h.notifier.Notify(c.Request.Context(), models.EventProductCreated, productEventPayload(product))
	c.JSON(http.StatusCreated, product)
}

// UpdateProduct applies a partial update
// PUT /api/products/:id
func (h *ProductsHandler) UpdateProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if (req.SKU != nil && strings.TrimSpace(*req.SKU) == "") || (req.Name != nil && strings.TrimSpace(*req.Name) == "") {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "sku and name cannot be empty")
		return
	}

	product, err := h.repo.UpdateProduct(c.Request.Context(), id, req)
	if err != nil {
		h.respondRepoError(c, err)
		return
	}

	h.notifier.Notify(c.Request.Context(), models.EventProductUpdated, productEventPayload(product))
	c.JSON(http.StatusOK, product)
}

// DeleteProduct removes one product
// DELETE /api/products/:id
func (h *ProductsHandler) DeleteProduct(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	product, err := h.repo.DeleteProduct(c.Request.Context(), id)
	if err != nil {
		h.respondRepoError(c, err)
		return
	}

	h.notifier.Notify(c.Request.Context(), models.EventProductDeleted, productEventPayload(product))
	c.JSON(http.StatusOK, models.MessageResponse{Message: "Product deleted successfully"})
}

// DeleteAllProducts removes every product
// DELETE /api/products
func (h *ProductsHandler) DeleteAllProducts(c *gin.Context) {
	count, err := h.repo.DeleteAllProducts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to delete all products")
		respondError(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete products")
		return
	}

	h.notifier.Notify(c.Request.Context(), models.EventProductsBulkDeleted, map[string]interface{}{"count": count})
	c.JSON(http.StatusOK, models.BulkDeleteResponse{
		Message: fmt.Sprintf("Successfully deleted %d products", count),
		Count:   count,
	})
}

var exportHeaders = []string{"ID", "SKU", "Name", "Description", "Price", "Status", "Created At"}
var exportWidths = []float64{10, 20, 40, 60, 12, 12, 20}

// ExportExcel streams the filtered catalog as an xlsx workbook
// GET /api/products/export/excel
func (h *ProductsHandler) ExportExcel(c *gin.Context) {
	filter, ok := filterFromQuery(c)
	if !ok {
		return
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Products"
	_ = f.SetSheetName("Sheet1", sheet)

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		h.logger.WithError(err).Error("Failed to create export stream")
		respondError(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export products")
		return
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 12},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	for i, width := range exportWidths {
		_ = sw.SetColWidth(i+1, i+1, width)
	}

	header := make([]interface{}, len(exportHeaders))
	for i, title := range exportHeaders {
		header[i] = excelize.Cell{StyleID: headerStyle, Value: title}
	}
	if err := sw.SetRow("A1", header); err != nil {
		h.logger.WithError(err).Error("Failed to write export header")
		respondError(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export products")
		return
	}

	rowNum := 2
	err = h.repo.EachProduct(c.Request.Context(), filter, func(p models.Product) error {
		cell, _ := excelize.CoordinatesToCellName(1, rowNum)
		rowNum++
		return sw.SetRow(cell, exportRow(p))
	})
	if err == nil {
		err = sw.Flush()
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to export products")
		respondError(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export products")
		return
	}

	filename := fmt.Sprintf("products_export_%s.xlsx", time.Now().Format("20060102_150405"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	if err := f.Write(c.Writer); err != nil {
		h.logger.WithError(err).Warn("Failed to write export workbook")
	}
}

func exportRow(p models.Product) []interface{} {
	description := ""
	if p.Description != nil {
		description = *p.Description
	}
	price := 0.0
	if p.Price != nil {
		price = *p.Price
	}
	status := "Inactive"
	if p.Active {
		status = "Active"
	}
	created := ""
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt.Format("2006-01-02 15:04:05")
	}
	return []interface{}{p.ID, p.SKU, p.Name, description, price, status, created}
}

func (h *ProductsHandler) respondRepoError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrProductNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Product not found")
	case errors.Is(err, repository.ErrDuplicateSKU):
		respondError(c, http.StatusBadRequest, "SKU_EXISTS", "Product with this SKU already exists")
	default:
		h.logger.WithError(err).Error("Product repository error")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process product")
	}
}
