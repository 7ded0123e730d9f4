package models

import (
	"context"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Report is the immutable artifact of a closed batch. The unique index on
// batch_id is the ground truth for idempotency: a second insert for the same
// batch fails with MySQL 1062 no matter how the race interleaves.
type Report struct {
	ID           int          `gorm:"primary_key" json:"id"`
	BatchId      int          `gorm:"uniqueIndex;not null" json:"batch_id"`
	ClinicId     *int         `gorm:"index" json:"clinic_id"`
	ContractorId *int         `gorm:"index" json:"contractor_id"`
	Status       ReportStatus `gorm:"size:20;not null;default:draft" json:"status"`

	// ContentHash is the sha-256 hex digest of the rendered content, written
	// once at issuance and compared verbatim at upload confirmation.
	ContentHash string `gorm:"size:64;not null" json:"content_hash"`
	Content     string `gorm:"type:mediumtext" json:"-"`

	EmitterId int        `gorm:"not null" json:"emitter_id"`
	IssuedAt  *time.Time `json:"issued_at"`

	SentAt         *time.Time `json:"sent_at"`
	RemoteRef      string     `gorm:"size:500" json:"remote_ref"`
	UploadedDigest string     `gorm:"size:64" json:"uploaded_digest"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetReport(ctx context.Context, id int) (*Report, error) {
	db := config.GetDB()
	var result Report
	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// FindReportByBatch returns the batch's report or nil. Nil is a normal
// pre-issuance state, not an error. The lookup is a locking (current) read:
// under REPEATABLE READ a plain read inside a long transaction would miss a
// report a racing connection committed after this transaction's snapshot,
// and the issuance path depends on seeing that winner.
func FindReportByBatch(tx *gorm.DB, batchId int) (*Report, error) {
	var report Report
	err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
		Where("batch_id = ?", batchId).First(&report).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// MarkReportSent records the confirmed upload. Only the sent-transition
// columns move; everything else on the row is already frozen.
func MarkReportSent(tx *gorm.DB, report *Report, remoteRef string, uploadedDigest string) error {
	now := time.Now().UTC()
	if err := tx.Model(&Report{}).Where("id = ?", report.ID).
		Updates(map[string]interface{}{
			"status":          ReportStatusSent,
			"sent_at":         now,
			"remote_ref":      remoteRef,
			"uploaded_digest": uploadedDigest,
		}).Error; err != nil {
		return err
	}
	report.Status = ReportStatusSent
	report.SentAt = &now
	report.RemoteRef = remoteRef
	report.UploadedDigest = uploadedDigest
	return SaveAuditAction(tx, AuditActionConfirmUpload, "reports", report.ID,
		map[string]string{"remote_ref": remoteRef, "uploaded_digest": uploadedDigest},
		"Report upload confirmed")
}
