package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
)

// AuditEntry is append-only. Rows are written inside the same transaction as
// the mutation they describe, so an audited change and its trail commit or
// roll back together. Entries are never updated or deleted by the service.
type AuditEntry struct {
	ID           int         `gorm:"primary_key" json:"id"`
	ClinicId     *int        `gorm:"index" json:"clinic_id"`
	ContractorId *int        `gorm:"index" json:"contractor_id"`
	Action       AuditAction `gorm:"size:30;not null" json:"action"`
	EntityType   string      `gorm:"size:100;not null;index:idx_audit_entity" json:"entity_type"`
	EntityId     int         `gorm:"not null;index:idx_audit_entity" json:"entity_id"`
	ActorId      string      `gorm:"size:100;not null" json:"actor_id"`
	ActorName    string      `gorm:"size:100" json:"actor_name"`
	Before       string      `gorm:"type:text" json:"before"`
	After        string      `gorm:"type:text" json:"after"`
	Description  string      `gorm:"type:text" json:"description"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func createAuditEntry(tx *gorm.DB, action AuditAction, entityType string, entityId int, before interface{}, after interface{}, description string) error {

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context

	// Internally triggered work carries no human actor; those entries are
	// attributed to "system".
	actorId, _ := utils.GetActorIdFromContext(ctx)
	actorName, _ := utils.GetActorNameFromContext(ctx)
	if isSystem, _ := utils.GetIsSystemFromContext(ctx); isSystem && actorId == "" {
		actorId = "system"
		actorName = "system"
	}
	if actorId == "" {
		return utils.ErrorMissingSession
	}

	entry := AuditEntry{
		Action:      action,
		EntityType:  entityType,
		EntityId:    entityId,
		ActorId:     actorId,
		ActorName:   actorName,
		Before:      string(b),
		After:       string(a),
		Description: description,
	}
	if clinicId, ok := utils.GetClinicIdFromContext(ctx); ok && clinicId > 0 {
		entry.ClinicId = &clinicId
	}
	if contractorId, ok := utils.GetContractorIdFromContext(ctx); ok && contractorId > 0 {
		entry.ContractorId = &contractorId
	}

	return tx.Create(&entry).Error
}

func SaveAuditCreate(tx *gorm.DB, entityId int, obj interface{}, description string) error {
	return createAuditEntry(tx, AuditActionCreate, tx.Statement.Table, entityId, nil, obj, description)
}

func SaveAuditUpdate(tx *gorm.DB, entityId int, currentValue interface{}, description string) error {
	return createAuditEntry(tx, AuditActionUpdate, tx.Statement.Table, entityId, currentValue, tx.Statement.Dest, description)
}

func SaveAuditDelete(tx *gorm.DB, entityId int, obj interface{}, description string) error {
	return createAuditEntry(tx, AuditActionDelete, tx.Statement.Table, entityId, obj, nil, description)
}

// SaveAuditTransition records a lifecycle transition with explicit
// before/after status values.
func SaveAuditTransition(tx *gorm.DB, entityType string, entityId int, from, to string, description string) error {
	return createAuditEntry(tx, AuditActionTransition, entityType, entityId,
		map[string]string{"status": from}, map[string]string{"status": to}, description)
}

// SaveAuditAction records a domain action (issuance, upload confirmation,
// operational errors) that is not a plain CRUD write.
func SaveAuditAction(tx *gorm.DB, action AuditAction, entityType string, entityId int, detail interface{}, description string) error {
	return createAuditEntry(tx, action, entityType, entityId, nil, detail, description)
}

// GetAuditEntries lists the trail for one entity, newest first. The tenant
// guard scopes the query to the caller's clinic or contractor.
func GetAuditEntries(ctx context.Context, entityType *string, entityId *int, actorId *string) ([]*AuditEntry, error) {

	db := config.GetDB()
	var results []*AuditEntry

	dbCtx := db.WithContext(ctx)
	if entityType != nil && *entityType != "" {
		dbCtx = dbCtx.Where("entity_type = ?", *entityType)
	}
	if entityId != nil && *entityId > 0 {
		dbCtx = dbCtx.Where("entity_id = ?", *entityId)
	}
	if actorId != nil && *actorId != "" {
		dbCtx = dbCtx.Where("actor_id = ?", *actorId)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
