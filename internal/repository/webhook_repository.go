package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"product-import-service/internal/models"
	"product-import-service/internal/webhooks"
)

var ErrWebhookNotFound = webhooks.ErrWebhookNotFound

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

var _ webhooks.SubscriptionSource = (*WebhookRepository)(nil)

func (r *WebhookRepository) List(ctx context.Context) ([]models.Webhook, error) {
	var hooks []models.Webhook
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&hooks).Error; err != nil {
		return nil, err
	}
	return hooks, nil
}

func (r *WebhookRepository) Get(ctx context.Context, id uint) (*models.Webhook, error) {
	var hook models.Webhook
	err := r.db.WithContext(ctx).First(&hook, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hook, nil
}

// ListEnabledByEvent returns the enabled subscriptions for one event type.
func (r *WebhookRepository) ListEnabledByEvent(ctx context.Context, eventType models.EventType) ([]models.Webhook, error) {
	var hooks []models.Webhook
	err := r.db.WithContext(ctx).
		Where("event_type = ? AND enabled = ?", eventType, true).
		Order("id ASC").
		Find(&hooks).Error
	if err != nil {
		return nil, err
	}
	return hooks, nil
}

func (r *WebhookRepository) Create(ctx context.Context, hook *models.Webhook) error {
	return r.db.WithContext(ctx).Create(hook).Error
}

func (r *WebhookRepository) Update(ctx context.Context, id uint, req models.UpdateWebhookRequest) (*models.Webhook, error) {
	hook, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.URL != nil {
		updates["url"] = *req.URL
	}
	if req.EventType != nil {
		updates["event_type"] = *req.EventType
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.Description != nil {
		updates["description"] = req.Description
	}

	if err := r.db.WithContext(ctx).Model(hook).Updates(updates).Error; err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *WebhookRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.Webhook{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// RecordDelivery stores the outcome of the latest delivery attempt.
// statusCode is nil when no response was received.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, id uint, statusCode *int, deliveryErr *string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Webhook{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"last_status_code":  statusCode,
			"last_error":        deliveryErr,
			"last_triggered_at": at,
		}).Error
}
