package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
)

// DefaultContentGenerator renders report content at issuance. Tests swap in
// a stub.
var DefaultContentGenerator ContentGenerator = &HTMLContentGenerator{}

type IssuanceOptions struct {
	Emergency       bool
	EmergencyReason string
}

// IssuanceResult is issuance's outcome. NoEmitter and AlreadyIssued are
// expected operational outcomes, not errors: the caller's transaction commits
// either way.
type IssuanceResult struct {
	Report        *models.Report
	AlreadyIssued bool
	NoEmitter     bool
}

const issuanceSavepoint = "issue_report"

// IssueReport issues the batch's single report inside the caller's
// transaction. Serialization is belt and braces: the advisory lock keeps
// concurrent attempts from doing the work twice, and the unique index on
// reports.batch_id is the ground truth if two connections slip past it. The
// duplicate insert is contained with a savepoint so whatever else the
// enclosing transaction wrote still commits.
func IssueReport(tx *gorm.DB, batch *models.Batch, opts IssuanceOptions) (*IssuanceResult, error) {

	logger := config.GetLogger()

	if err := AcquireBatchIssuanceLock(tx, batch.ID); err != nil {
		return nil, err
	}
	defer ReleaseBatchIssuanceLock(tx, batch.ID)

	// Idempotency: an existing report is returned as-is, no error.
	existing, err := models.FindReportByBatch(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &IssuanceResult{Report: existing, AlreadyIssued: true}, nil
	}

	if opts.Emergency {
		if !config.EmergencyIssuanceEnabled() {
			return nil, utils.NewValidationError("emergency", "emergency issuance is disabled")
		}
		if opts.EmergencyReason == "" {
			return nil, utils.NewValidationError("emergency_reason", "emergency issuance requires a reason")
		}
	} else if !models.BatchStatusPermitsIssuance(batch.Status) {
		return nil, utils.ErrorStateConflict
	}

	// Emitter precondition. Nobody eligible is an operational condition: the
	// batch stays where it is and ops get a high-priority notification.
	emitter, err := models.FindActiveEmitter(tx, batch.ClinicId, batch.ContractorId)
	if err == utils.ErrorNoEligibleEmitter {
		notification := models.Notification{
			ClinicId:     batch.ClinicId,
			ContractorId: batch.ContractorId,
			Kind:         models.NotificationKindNoEligibleEmitter,
			Priority:     models.NotificationPriorityHigh,
			Recipient:    "operations",
			Title:        "No eligible emitter for batch " + batch.Code,
			Message:      fmt.Sprintf("Issuance of batch %s is blocked: no active emitter in the tenant scope.", batch.Code),
			BatchId:      &batch.ID,
		}
		if err := models.CreateNotification(tx, &notification); err != nil {
			return nil, err
		}
		if err := models.SaveAuditAction(tx, models.AuditActionOperationalError, "batches", batch.ID,
			map[string]string{"cause": "no_eligible_emitter"},
			"Issuance blocked for batch "+batch.Code+": no eligible emitter"); err != nil {
			return nil, err
		}
		return &IssuanceResult{NoEmitter: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if batch.Status != models.BatchStatusEmissionInProgress {
		if !models.CanTransitionBatch(batch.Status, models.BatchStatusEmissionInProgress) {
			return nil, utils.ErrorStateConflict
		}
		if err := models.UpdateBatchStatus(tx, batch, models.BatchStatusEmissionInProgress); err != nil {
			return nil, err
		}
	}

	content, contentHash, err := DefaultContentGenerator.Generate(tx, batch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := models.Report{
		BatchId:      batch.ID,
		ClinicId:     batch.ClinicId,
		ContractorId: batch.ContractorId,
		Status:       models.ReportStatusIssued,
		ContentHash:  contentHash,
		Content:      content,
		EmitterId:    emitter.ID,
		IssuedAt:     &now,
	}

	if err := tx.SavePoint(issuanceSavepoint).Error; err != nil {
		return nil, err
	}
	if err := tx.Create(&report).Error; err != nil {
		if !utils.IsDuplicateKeyError(err) {
			return nil, err
		}
		// A racing connection won the insert. Roll back only the failed
		// write, keep everything the enclosing transaction did, and hand
		// back the winner's report.
		if err := tx.RollbackTo(issuanceSavepoint).Error; err != nil {
			return nil, err
		}
		config.LogError(logger, "workflow", "IssueReport", "duplicate report insert absorbed",
			map[string]interface{}{"batch_id": batch.ID}, utils.ErrorDuplicateOperation)

		winner, err := models.FindReportByBatch(tx, batch.ID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, utils.ErrorDuplicateOperation
		}
		return &IssuanceResult{Report: winner, AlreadyIssued: true}, nil
	}

	// Stamp the batch frozen. issued_at is the marker the statement guard
	// keys on, so this is the last regular write the batch's data accepts.
	batchColumns := map[string]interface{}{
		"status":    models.BatchStatusIssued,
		"issued_at": now,
	}
	if opts.Emergency {
		batchColumns["emergency_mode"] = true
		batchColumns["emergency_reason"] = opts.EmergencyReason
	}
	if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).Updates(batchColumns).Error; err != nil {
		return nil, err
	}
	from := batch.Status
	batch.Status = models.BatchStatusIssued
	batch.IssuedAt = &now
	if err := models.SaveAuditTransition(tx, "batches", batch.ID, from.String(), batch.Status.String(),
		"Batch "+batch.Code+" issued"); err != nil {
		return nil, err
	}
	if opts.Emergency {
		if err := models.SaveAuditAction(tx, models.AuditActionEmergencyIssuance, "batches", batch.ID,
			map[string]string{"reason": opts.EmergencyReason},
			"Batch "+batch.Code+" issued under emergency mode"); err != nil {
			return nil, err
		}
	}

	return &IssuanceResult{Report: &report}, nil
}

// ConfirmUpload moves a report issued -> sent, only on exact digest match.
// A mismatch leaves the report issued and recoverable: the caller may retry
// the upload without re-issuing.
func ConfirmUpload(ctx context.Context, actor Actor, reportId int, uploadedDigest string, remoteRef string) (*models.Report, error) {

	var result *models.Report
	err := WithActorTransaction(ctx, actor, func(ctx context.Context, tx *gorm.DB) error {

		var report models.Report
		if err := tx.First(&report, reportId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		if report.Status == models.ReportStatusSent {
			// Repeated confirmation with the same digest is a no-op.
			if report.UploadedDigest == uploadedDigest {
				result = &report
				return nil
			}
			return utils.ErrorStateConflict
		}
		if report.Status != models.ReportStatusIssued {
			return utils.ErrorStateConflict
		}

		if report.ContentHash != uploadedDigest {
			return utils.ErrorIntegrityMismatch
		}

		if err := models.MarkReportSent(tx, &report, remoteRef, uploadedDigest); err != nil {
			return err
		}

		var batch models.Batch
		if err := tx.First(&batch, report.BatchId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if err := models.UpdateBatchStatus(tx, &batch, models.BatchStatusSent); err != nil {
			return err
		}

		notification := models.Notification{
			ClinicId:     batch.ClinicId,
			ContractorId: batch.ContractorId,
			Kind:         models.NotificationKindReportSent,
			Recipient:    batch.ReleasedBy,
			Title:        "Report for batch " + batch.Code + " delivered",
			Message:      "The report was uploaded and its digest verified.",
			BatchId:      &batch.ID,
		}
		if err := models.CreateNotification(tx, &notification); err != nil {
			return err
		}

		result = &report
		return nil
	})
	if err == utils.ErrorIntegrityMismatch {
		// The confirming transaction rolled back; record the mismatch on its
		// own so the trail survives.
		recordDigestMismatch(ctx, reportId, uploadedDigest)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func recordDigestMismatch(ctx context.Context, reportId int, uploadedDigest string) {
	logger := config.GetLogger()
	err := WithActorTransaction(ctx, SystemActor(), func(ctx context.Context, tx *gorm.DB) error {
		if err := models.SaveAuditAction(tx, models.AuditActionOperationalError, "reports", reportId,
			map[string]string{"cause": "digest_mismatch", "uploaded_digest": uploadedDigest},
			"Upload confirmation rejected: digest mismatch"); err != nil {
			return err
		}
		notification := models.Notification{
			Kind:      models.NotificationKindUploadDigestError,
			Priority:  models.NotificationPriorityHigh,
			Recipient: "operations",
			Title:     fmt.Sprintf("Digest mismatch on report %d", reportId),
			Message:   "Uploaded digest does not match the stored content hash. Retry the upload.",
		}
		return models.CreateNotification(tx, &notification)
	})
	if err != nil {
		config.LogError(logger, "workflow", "recordDigestMismatch", "failed to record mismatch",
			map[string]interface{}{"report_id": reportId}, err)
	}
}

// SendReport uploads an issued report to the configured storage provider and
// confirms with the digest the provider computed over what it stored.
func SendReport(ctx context.Context, actor Actor, reportId int, store utils.ReportStorage) (*models.Report, error) {

	report, err := models.GetReport(ctx, reportId)
	if err != nil {
		return nil, err
	}
	if report.Status != models.ReportStatusIssued {
		return nil, utils.ErrorStateConflict
	}

	objectName := fmt.Sprintf("reports/batch_%d_report_%d.html", report.BatchId, report.ID)
	remoteRef, uploadedDigest, err := store.Upload(ctx, objectName, []byte(report.Content))
	if err != nil {
		return nil, err
	}

	return ConfirmUpload(ctx, actor, reportId, uploadedDigest, remoteRef)
}
