package models

import (
	"context"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
)

// Evaluation is one subject's assessment inside a batch. Tenant columns are
// denormalized from the batch so the tenant guard scopes direct queries too.
type Evaluation struct {
	ID           int              `gorm:"primary_key" json:"id"`
	BatchId      int              `gorm:"index;not null" json:"batch_id"`
	ClinicId     *int             `gorm:"index" json:"clinic_id"`
	ContractorId *int             `gorm:"index" json:"contractor_id"`
	SubjectId    string           `gorm:"size:11;not null;index" json:"subject_id"`
	SubjectName  string           `gorm:"size:100;not null" json:"subject_name"`
	Status       EvaluationStatus `gorm:"size:20;not null;default:started;index" json:"status"`

	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	InactivatedAt      *time.Time `json:"inactivated_at"`
	InactivationReason string     `gorm:"size:255" json:"inactivation_reason"`

	Answers []EvaluationAnswer `gorm:"foreignKey:EvaluationId" json:"answers"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewEvaluation struct {
	SubjectId   string `json:"subject_id" binding:"required"`
	SubjectName string `json:"subject_name" binding:"required"`
}

func GetEvaluation(ctx context.Context, id int) (*Evaluation, error) {
	db := config.GetDB()
	var result Evaluation
	err := db.WithContext(ctx).Preload("Answers").First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetEvaluationsByBatch(ctx context.Context, batchId int) ([]*Evaluation, error) {
	db := config.GetDB()
	var results []*Evaluation
	err := db.WithContext(ctx).Where("batch_id = ?", batchId).Order("id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// MarkEvaluationCompleted records the terminal completed state with its
// answers. The caller recomputes the batch aggregate afterwards in the same
// transaction.
func MarkEvaluationCompleted(tx *gorm.DB, eval *Evaluation, answers []NewEvaluationAnswer) error {
	if eval.Status != EvaluationStatusStarted {
		return utils.ErrorStateConflict
	}

	now := time.Now().UTC()
	if err := tx.Model(&Evaluation{}).Where("id = ?", eval.ID).
		Updates(map[string]interface{}{
			"status":       EvaluationStatusCompleted,
			"completed_at": now,
		}).Error; err != nil {
		return err
	}
	for _, a := range answers {
		answer := EvaluationAnswer{
			EvaluationId: eval.ID,
			ItemGroup:    a.ItemGroup,
			ItemCode:     a.ItemCode,
			Value:        a.Value,
		}
		if err := tx.Create(&answer).Error; err != nil {
			return err
		}
	}

	from := eval.Status
	eval.Status = EvaluationStatusCompleted
	eval.CompletedAt = &now
	return SaveAuditTransition(tx, "evaluations", eval.ID, from.String(), eval.Status.String(),
		"Evaluation of "+eval.SubjectName+" completed")
}

// MarkEvaluationInactivated removes a subject from the batch's pending set.
// A reason is mandatory; inactivation without one is an input error.
func MarkEvaluationInactivated(tx *gorm.DB, eval *Evaluation, reason string) error {
	if reason == "" {
		return utils.NewValidationError("reason", "inactivation reason is required")
	}
	if eval.Status != EvaluationStatusStarted {
		return utils.ErrorStateConflict
	}

	now := time.Now().UTC()
	if err := tx.Model(&Evaluation{}).Where("id = ?", eval.ID).
		Updates(map[string]interface{}{
			"status":              EvaluationStatusInactivated,
			"inactivated_at":      now,
			"inactivation_reason": reason,
		}).Error; err != nil {
		return err
	}

	from := eval.Status
	eval.Status = EvaluationStatusInactivated
	eval.InactivatedAt = &now
	eval.InactivationReason = reason
	return SaveAuditTransition(tx, "evaluations", eval.ID, from.String(), eval.Status.String(),
		"Evaluation of "+eval.SubjectName+" inactivated: "+reason)
}
