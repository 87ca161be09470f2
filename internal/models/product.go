package models

import (
	"strings"
	"time"
)

// Column limits enforced by the products schema.
const (
	MaxSKULength  = 255
	MaxNameLength = 500
)

// Product is a catalog entry. SKUKey is the canonical upper-case form of SKU and
// carries the uniqueness constraint; SKU keeps the casing it was first stored with.
type Product struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	SKU         string    `json:"sku" gorm:"size:255;not null"`
	SKUKey      string    `json:"-" gorm:"column:sku_key;size:255;not null;uniqueIndex:idx_products_sku_key"`
	Name        string    `json:"name" gorm:"size:500;not null;index"`
	Description *string   `json:"description,omitempty" gorm:"type:text"`
	Price       *float64  `json:"price,omitempty"`
	Active      bool      `json:"active" gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// NormalizeSKU returns the comparison form of a SKU.
func NormalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

// CreateProductRequest is the body of POST /api/products
type CreateProductRequest struct {
	SKU         string   `json:"sku" binding:"required,max=255"`
	Name        string   `json:"name" binding:"required,max=500"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price" binding:"omitempty,gte=0"`
	Active      *bool    `json:"active"`
}

// UpdateProductRequest is the body of PUT /api/products/:id. Nil fields are left unchanged.
type UpdateProductRequest struct {
	SKU         *string  `json:"sku" binding:"omitempty,max=255"`
	Name        *string  `json:"name" binding:"omitempty,max=500"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price" binding:"omitempty,gte=0"`
	Active      *bool    `json:"active"`
}

// ProductFilter narrows list and export queries.
type ProductFilter struct {
	Search *string
	Active *bool
	Skip   int
	Limit  int
}

type ProductListResponse struct {
	Items []Product `json:"items"`
	Total int64     `json:"total"`
	Skip  int       `json:"skip"`
	Limit int       `json:"limit"`
}

type BulkDeleteResponse struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

type ErrorResponse struct {
	Success bool  `json:"success"`
	Error   Error `json:"error"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
