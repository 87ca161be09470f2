package importer

import (
	"context"
	"errors"
	"fmt"

	"product-import-service/internal/models"
)

var (
	// ErrProductNotFound is returned by ProductStore lookups that match nothing.
	ErrProductNotFound = errors.New("product not found")
	// ErrDuplicateSKU is returned by ProductStore.Create when the canonical SKU is taken.
	ErrDuplicateSKU = errors.New("sku already exists")
)

// ProductStore is the persistence the import pipeline needs.
type ProductStore interface {
	FindBySKUKey(ctx context.Context, skuKey string) (*models.Product, error)
	// FindIDsBySKUKeys maps each canonical SKU that exists to its product id.
	FindIDsBySKUKeys(ctx context.Context, skuKeys []string) (map[string]uint, error)
	Create(ctx context.Context, product *models.Product) error
	UpdateImportFields(ctx context.Context, id uint, name string, description *string, price *float64) error
	// WithinTransaction runs fn against a store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTransaction(ctx context.Context, fn func(tx ProductStore) error) error
	InvalidateListCaches(ctx context.Context)
}

// Outcome is the effect of applying one row.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	}
	return "unknown"
}

// Upserter inserts or overwrites products keyed by canonical SKU.
type Upserter struct {
	store ProductStore
}

func NewUpserter(store ProductStore) *Upserter {
	return &Upserter{store: store}
}

// Apply writes row to the store. Existing products get name, description and
// price overwritten; active and the stored SKU casing are left alone.
func (u *Upserter) Apply(ctx context.Context, row ParsedRow) (Outcome, error) {
	key := models.NormalizeSKU(row.SKU)

	var id uint
	existing, err := u.store.FindBySKUKey(ctx, key)
	switch {
	case err == nil:
		id = existing.ID
	case !errors.Is(err, ErrProductNotFound):
		return 0, fmt.Errorf("lookup sku %s: %w", key, err)
	}

	outcome, _, err := upsertRow(ctx, u.store, row, key, id)
	return outcome, err
}

// ApplyBatch writes rows in one transaction with a single lookup for the
// whole batch. Outcomes are returned in row order. On error nothing is kept.
func (u *Upserter) ApplyBatch(ctx context.Context, rows []ParsedRow) ([]Outcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key := models.NormalizeSKU(row.SKU)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	var outcomes []Outcome
	err := u.store.WithinTransaction(ctx, func(tx ProductStore) error {
		ids, err := tx.FindIDsBySKUKeys(ctx, keys)
		if err != nil {
			return fmt.Errorf("lookup %d skus: %w", len(keys), err)
		}
		if ids == nil {
			ids = make(map[string]uint, len(keys))
		}

		outcomes = make([]Outcome, 0, len(rows))
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := models.NormalizeSKU(row.SKU)
			outcome, id, err := upsertRow(ctx, tx, row, key, ids[key])
			if err != nil {
				return fmt.Errorf("line %d: %w", row.Line, err)
			}
			ids[key] = id
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// upsertRow updates the product with id, or creates one when id is zero. It
// returns the id the row ended up on.
func upsertRow(ctx context.Context, store ProductStore, row ParsedRow, key string, id uint) (Outcome, uint, error) {
	if id != 0 {
		return update(ctx, store, id, row)
	}

	product := &models.Product{
		SKU:         row.SKU,
		SKUKey:      key,
		Name:        row.Name,
		Description: row.Description,
		Price:       row.Price,
		Active:      true,
	}
	err := store.Create(ctx, product)
	if err == nil {
		return OutcomeCreated, product.ID, nil
	}
	if !errors.Is(err, ErrDuplicateSKU) {
		return 0, 0, fmt.Errorf("create sku %s: %w", key, err)
	}

	// Another job created the SKU between lookup and insert: last write wins.
	existing, err := store.FindBySKUKey(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup sku %s after conflict: %w", key, err)
	}
	return update(ctx, store, existing.ID, row)
}

func update(ctx context.Context, store ProductStore, id uint, row ParsedRow) (Outcome, uint, error) {
	if err := store.UpdateImportFields(ctx, id, row.Name, row.Description, row.Price); err != nil {
		return 0, 0, fmt.Errorf("update product %d: %w", id, err)
	}
	return OutcomeUpdated, id, nil
}
