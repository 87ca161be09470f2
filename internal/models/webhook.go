package models

import "time"

// EventType names a catalog event that webhooks can subscribe to.
type EventType string

const (
	EventProductCreated      EventType = "product.created"
	EventProductUpdated      EventType = "product.updated"
	EventProductDeleted      EventType = "product.deleted"
	EventProductImported     EventType = "product.imported"
	EventProductsBulkDeleted EventType = "products.bulk_deleted"
)

// EventTypes lists every subscribable event.
func EventTypes() []EventType {
	return []EventType{
		EventProductCreated,
		EventProductUpdated,
		EventProductDeleted,
		EventProductImported,
		EventProductsBulkDeleted,
	}
}

func (e EventType) Valid() bool {
	for _, t := range EventTypes() {
		if t == e {
			return true
		}
	}
	return false
}

// Webhook is an outbound subscription. The Last* fields record the most recent delivery.
type Webhook struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	URL             string     `json:"url" gorm:"size:2048;not null"`
	EventType       EventType  `json:"event_type" gorm:"size:100;not null;index"`
	Enabled         bool       `json:"enabled" gorm:"not null"`
	Description     *string    `json:"description,omitempty" gorm:"type:text"`
	LastStatusCode  *int       `json:"last_status_code,omitempty"`
	LastError       *string    `json:"last_error,omitempty" gorm:"type:text"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Webhook) TableName() string {
	return "webhooks"
}

type CreateWebhookRequest struct {
	URL         string    `json:"url" binding:"required,url"`
	EventType   EventType `json:"event_type" binding:"required"`
	Enabled     *bool     `json:"enabled"`
	Description *string   `json:"description"`
}

type UpdateWebhookRequest struct {
	URL         *string    `json:"url" binding:"omitempty,url"`
	EventType   *EventType `json:"event_type"`
	Enabled     *bool      `json:"enabled"`
	Description *string    `json:"description"`
}

// WebhookTestResult is returned by POST /api/webhooks/:id/test
type WebhookTestResult struct {
	Success        bool   `json:"success"`
	StatusCode     *int   `json:"status_code,omitempty"`
	ResponseTimeMs *int64 `json:"response_time_ms,omitempty"`
	Message        string `json:"message,omitempty"`
}
