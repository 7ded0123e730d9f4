package models

import (
	"context"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
)

// Notification is the transactional-outbox row: written inside the business
// transaction, pushed to Pub/Sub after commit by the dispatcher. A crashed
// dispatcher leaves rows PENDING and the next run picks them up.
type Notification struct {
	ID            int                  `gorm:"primary_key" json:"id"`
	ClinicId      *int                 `gorm:"index" json:"clinic_id"`
	ContractorId  *int                 `gorm:"index" json:"contractor_id"`
	Kind          NotificationKind     `gorm:"size:50;not null;index" json:"kind"`
	Priority      NotificationPriority `gorm:"size:10;not null;default:normal" json:"priority"`
	Recipient     string               `gorm:"size:100;not null" json:"recipient"`
	Title         string               `gorm:"size:255;not null" json:"title"`
	Message       string               `gorm:"type:text" json:"message"`
	BatchId       *int                 `gorm:"index" json:"batch_id"`
	PublishStatus OutboxPublishStatus  `gorm:"size:20;not null;default:PENDING;index" json:"publish_status"`
	PublishedAt   *time.Time           `json:"published_at"`
	CorrelationId string               `gorm:"size:40" json:"correlation_id"`
	CreatedAt     time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

// CreateNotification stages an outbox row inside the caller's transaction.
func CreateNotification(tx *gorm.DB, n *Notification) error {
	ctx := tx.Statement.Context
	if n.ClinicId == nil && n.ContractorId == nil {
		if clinicId, ok := utils.GetClinicIdFromContext(ctx); ok && clinicId > 0 {
			n.ClinicId = &clinicId
		}
		if contractorId, ok := utils.GetContractorIdFromContext(ctx); ok && contractorId > 0 {
			n.ContractorId = &contractorId
		}
	}
	if n.CorrelationId == "" {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			n.CorrelationId = v
		}
	}
	if n.Priority == "" {
		n.Priority = NotificationPriorityNormal
	}
	n.PublishStatus = OutboxPublishStatusPending
	return tx.Create(n).Error
}

// PendingNotifications lists unpublished rows oldest first, capped so one
// dispatcher pass stays bounded.
func PendingNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	db := config.GetDB()
	var results []*Notification
	err := db.WithContext(ctx).
		Where("publish_status = ?", OutboxPublishStatusPending).
		Order("id").Limit(limit).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func MarkNotificationPublished(ctx context.Context, id int) error {
	db := config.GetDB()
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&Notification{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status": OutboxPublishStatusPublished,
			"published_at":   now,
		}).Error
}

func MarkNotificationFailed(ctx context.Context, id int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Notification{}).Where("id = ?", id).
		Update("publish_status", OutboxPublishStatusFailed).Error
}
