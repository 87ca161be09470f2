package repository

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"product-import-service/internal/importer"
	"product-import-service/internal/models"
)

// Cache TTL constants
const (
	ProductListCacheTTL = 2 * time.Minute
	listCachePrefix     = "catalog:products:list:"
	exportBatchSize     = 1000
)

var (
	ErrProductNotFound = importer.ErrProductNotFound
	ErrDuplicateSKU    = importer.ErrDuplicateSKU
)

type ProductsRepository struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *logrus.Entry
}

// NewProductsRepository builds the repository. redisClient may be nil, in which case
// list queries are never cached.
func NewProductsRepository(db *gorm.DB, redisClient *redis.Client, logger *logrus.Logger) *ProductsRepository {
	return &ProductsRepository{
		db:     db,
		redis:  redisClient,
		logger: logger.WithField("component", "products-repository"),
	}
}

var _ importer.ProductStore = (*ProductsRepository)(nil)

// generateListCacheKey creates a deterministic cache key for list queries
func generateListCacheKey(filter models.ProductFilter) string {
	data, _ := json.Marshal(filter)
	hash := md5.Sum(data)
	return listCachePrefix + hex.EncodeToString(hash[:])
}

// InvalidateListCaches drops every cached product list.
func (r *ProductsRepository) InvalidateListCaches(ctx context.Context) {
	if r.redis == nil {
		return
	}

	iter := r.redis.Scan(ctx, 0, listCachePrefix+"*", 200).Iterator()
	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.WithError(err).Warn("Failed to scan product list cache")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		r.logger.WithError(err).Warn("Failed to invalidate product list cache")
	}
}

func (r *ProductsRepository) applyFilters(query *gorm.DB, filter models.ProductFilter) *gorm.DB {
	if filter.Search != nil && strings.TrimSpace(*filter.Search) != "" {
		pattern := "%" + strings.ToLower(strings.TrimSpace(*filter.Search)) + "%"
		query = query.Where(
			"LOWER(sku) LIKE ? OR LOWER(name) LIKE ? OR LOWER(COALESCE(description, '')) LIKE ?",
			pattern, pattern, pattern,
		)
	}
	if filter.Active != nil {
		query = query.Where("active = ?", *filter.Active)
	}
	return query
}

// ListProducts returns one page of products, newest first, and the filtered total.
func (r *ProductsRepository) ListProducts(ctx context.Context, filter models.ProductFilter) ([]models.Product, int64, error) {
	cacheKey := generateListCacheKey(filter)
	if r.redis != nil {
		if cached, err := r.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var page models.ProductListResponse
			if json.Unmarshal(cached, &page) == nil {
				return page.Items, page.Total, nil
			}
		}
	}

	var products []models.Product
	var total int64

	query := r.applyFilters(r.db.WithContext(ctx).Model(&models.Product{}), filter)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("id DESC").Offset(filter.Skip).Limit(filter.Limit).Find(&products).Error; err != nil {
		return nil, 0, err
	}

	if r.redis != nil {
		data, _ := json.Marshal(models.ProductListResponse{Items: products, Total: total})
		if err := r.redis.Set(ctx, cacheKey, data, ProductListCacheTTL).Err(); err != nil {
			r.logger.WithError(err).Debug("Failed to cache product list")
		}
	}

	return products, total, nil
}

// EachProduct streams every product matching filter in id order, in batches,
// without loading the whole table.
func (r *ProductsRepository) EachProduct(ctx context.Context, filter models.ProductFilter, fn func(models.Product) error) error {
	var batch []models.Product
	query := r.applyFilters(r.db.WithContext(ctx).Model(&models.Product{}), filter)
	result := query.FindInBatches(&batch, exportBatchSize, func(tx *gorm.DB, _ int) error {
		for _, p := range batch {
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

func (r *ProductsRepository) GetProductByID(ctx context.Context, id uint) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).First(&product, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// FindBySKUKey looks a product up by its canonical SKU.
func (r *ProductsRepository) FindBySKUKey(ctx context.Context, skuKey string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).Where("sku_key = ?", skuKey).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

type skuKeyID struct {
	ID     uint   `gorm:"column:id"`
	SKUKey string `gorm:"column:sku_key"`
}

// FindIDsBySKUKeys resolves canonical SKUs to product ids in one query.
func (r *ProductsRepository) FindIDsBySKUKeys(ctx context.Context, skuKeys []string) (map[string]uint, error) {
	ids := make(map[string]uint, len(skuKeys))
	if len(skuKeys) == 0 {
		return ids, nil
	}

	var rows []skuKeyID
	err := r.db.WithContext(ctx).Model(&models.Product{}).
		Select("id", "sku_key").
		Where("sku_key IN ?", skuKeys).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		ids[row.SKUKey] = row.ID
	}
	return ids, nil
}

// WithinTransaction runs fn with a repository bound to a single transaction.
func (r *ProductsRepository) WithinTransaction(ctx context.Context, fn func(tx importer.ProductStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ProductsRepository{db: tx, redis: r.redis, logger: r.logger})
	})
}

// Create inserts a product. A clash on the canonical SKU returns ErrDuplicateSKU.
func (r *ProductsRepository) Create(ctx context.Context, product *models.Product) error {
	product.SKUKey = models.NormalizeSKU(product.SKU)

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sku_key"}}, DoNothing: true}).
		Create(product)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSKU, product.SKUKey)
	}
	return nil
}

// UpdateImportFields overwrites the CSV-managed columns. Nil description or
// price clear the stored value.
func (r *ProductsRepository) UpdateImportFields(ctx context.Context, id uint, name string, description *string, price *float64) error {
	result := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":        name,
			"description": description,
			"price":       price,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProductNotFound
	}
	return nil
}

// UpdateProduct applies a partial update from the CRUD surface.
func (r *ProductsRepository) UpdateProduct(ctx context.Context, id uint, req models.UpdateProductRequest) (*models.Product, error) {
	product, err := r.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.SKU != nil {
		key := models.NormalizeSKU(*req.SKU)
		if key != product.SKUKey {
			if _, err := r.FindBySKUKey(ctx, key); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateSKU, key)
			} else if !errors.Is(err, ErrProductNotFound) {
				return nil, err
			}
		}
		updates["sku"] = strings.TrimSpace(*req.SKU)
		updates["sku_key"] = key
	}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = req.Description
	}
	if req.Price != nil {
		updates["price"] = req.Price
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	if err := r.db.WithContext(ctx).Model(product).Updates(updates).Error; err != nil {
		return nil, err
	}
	r.InvalidateListCaches(ctx)
	return r.GetProductByID(ctx, id)
}

func (r *ProductsRepository) DeleteProduct(ctx context.Context, id uint) (*models.Product, error) {
	product, err := r.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Delete(&models.Product{}, id).Error; err != nil {
		return nil, err
	}
	r.InvalidateListCaches(ctx)
	return product, nil
}

// DeleteAllProducts removes every product and returns how many were deleted.
func (r *ProductsRepository) DeleteAllProducts(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Product{})
	if result.Error != nil {
		return 0, result.Error
	}
	r.InvalidateListCaches(ctx)
	return result.RowsAffected, nil
}

// Ping checks database connectivity for the readiness endpoint.
func (r *ProductsRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
