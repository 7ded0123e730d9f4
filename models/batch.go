package models

import (
	"context"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Batch groups the evaluations of one assessment cycle and drives issuance of
// exactly one report. Scope is clinic XOR contractor; the tenant guard keys
// on whichever column is set.
type Batch struct {
	ID             int         `gorm:"primary_key" json:"id"`
	ClinicId       *int        `gorm:"index" json:"clinic_id"`
	ContractorId   *int        `gorm:"index" json:"contractor_id"`
	CompanyId      *int        `gorm:"index" json:"company_id"`
	Code           string      `gorm:"size:20;not null;index" json:"code"`
	SequenceNumber int         `gorm:"not null" json:"sequence_number"`
	Status         BatchStatus `gorm:"size:30;not null;default:draft;index" json:"status"`
	Description    string      `gorm:"size:255" json:"description"`

	ReleasedAt  *time.Time `json:"released_at"`
	ReleasedBy  string     `gorm:"size:100" json:"released_by"`
	RequestedAt *time.Time `json:"requested_at"`
	RequestedBy string     `gorm:"size:100" json:"requested_by"`

	// IssuedAt is the freeze marker: once set, the batch's evaluations and
	// answers are rejected at the statement layer.
	IssuedAt *time.Time `json:"issued_at"`

	EmergencyMode   bool   `gorm:"not null;default:false" json:"emergency_mode"`
	EmergencyReason string `gorm:"size:255" json:"emergency_reason"`

	Evaluations []Evaluation `gorm:"foreignKey:BatchId" json:"evaluations"`
	Report      *Report      `gorm:"foreignKey:BatchId" json:"report"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	CompanyId   *int            `json:"company_id"`
	Description string          `json:"description"`
	Subjects    []NewEvaluation `json:"subjects"`
}

func (input *NewBatch) validate() error {
	if len(input.Subjects) == 0 {
		return utils.NewValidationError("subjects", "at least one evaluation subject is required")
	}
	for i := range input.Subjects {
		if err := utils.ValidateInput(&input.Subjects[i]); err != nil {
			return err
		}
		if err := utils.ValidateCPF(input.Subjects[i].SubjectId); err != nil {
			return err
		}
	}
	return nil
}

// tenantScopeFromContext returns the caller's scope as nullable columns.
// Exactly one of the two is set for a valid session.
func tenantScopeFromContext(ctx context.Context) (clinicId *int, contractorId *int, err error) {
	if v, ok := utils.GetClinicIdFromContext(ctx); ok && v > 0 {
		clinicId = &v
	}
	if v, ok := utils.GetContractorIdFromContext(ctx); ok && v > 0 {
		contractorId = &v
	}
	if clinicId == nil && contractorId == nil {
		return nil, nil, utils.ErrorMissingSession
	}
	if clinicId != nil && contractorId != nil {
		return nil, nil, utils.NewValidationError("tenant", "clinic and contractor scope are mutually exclusive")
	}
	return clinicId, contractorId, nil
}

// CreateBatch opens a new batch in draft with its subject evaluations. The
// sequence code is reserved under a row lock so the whole create serializes
// per tenant.
func CreateBatch(ctx context.Context, input *NewBatch) (*Batch, error) {

	if err := input.validate(); err != nil {
		return nil, err
	}
	clinicId, contractorId, err := tenantScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}

	actorId, _ := utils.GetActorIdFromContext(ctx)

	db := config.GetDB()
	var batch Batch
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, code, err := NextSequenceNumber(tx, clinicId, contractorId)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		batch = Batch{
			ClinicId:       clinicId,
			ContractorId:   contractorId,
			CompanyId:      input.CompanyId,
			Code:           code,
			SequenceNumber: seq,
			Status:         BatchStatusDraft,
			Description:    input.Description,
			ReleasedAt:     &now,
			ReleasedBy:     actorId,
		}
		for _, s := range input.Subjects {
			batch.Evaluations = append(batch.Evaluations, Evaluation{
				ClinicId:     clinicId,
				ContractorId: contractorId,
				SubjectId:    utils.SanitizeCPF(s.SubjectId),
				SubjectName:  s.SubjectName,
				Status:       EvaluationStatusStarted,
				StartedAt:    &now,
			})
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		return createAuditEntry(tx, AuditActionCreate, "batches", batch.ID, nil, &batch, "Batch "+batch.Code+" created")
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	db := config.GetDB()
	var result Batch
	err := db.WithContext(ctx).Preload("Evaluations").Preload("Report").First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetBatches(ctx context.Context, status *BatchStatus) ([]*Batch, error) {
	db := config.GetDB()
	var results []*Batch

	dbCtx := db.WithContext(ctx)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// FetchBatchForUpdate loads the batch under a row lock. Transition decisions
// read state through this so concurrent recalculations serialize per batch.
func FetchBatchForUpdate(tx *gorm.DB, batchId int) (*Batch, error) {
	var batch Batch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&batch, batchId).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &batch, nil
}

// UpdateBatchStatus persists a transition already validated by the caller.
// Uses a column map so the immutability guard can inspect exactly which
// columns the statement touches.
func UpdateBatchStatus(tx *gorm.DB, batch *Batch, to BatchStatus) error {
	from := batch.Status
	if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).
		Updates(map[string]interface{}{"status": to}).Error; err != nil {
		return err
	}
	batch.Status = to
	return SaveAuditTransition(tx, "batches", batch.ID, from.String(), to.String(), "Batch "+batch.Code+" moved to "+to.String())
}
