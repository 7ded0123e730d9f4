package workflow

import (
	"context"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
)

// batchIsOpen: evaluations only move while the batch is pre-closure.
func batchIsOpen(status models.BatchStatus) bool {
	return status == models.BatchStatusDraft || status == models.BatchStatusActive
}

// RecalcBatchStatus re-derives the batch status from its evaluation census
// and applies the transition if one is due. A newly reached completion
// notifies the releasing manager and, unless gated off, invokes issuance
// synchronously in the same transaction.
func RecalcBatchStatus(ctx context.Context, tx *gorm.DB, batch *models.Batch, lastTerminal models.EvaluationStatus) (*IssuanceResult, error) {

	agg, err := RecomputeBatchAggregate(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	target, cause := DecideBatchStatus(batch.Status, agg, lastTerminal)
	if target == batch.Status {
		return nil, nil
	}
	if !models.CanTransitionBatch(batch.Status, target) {
		return nil, utils.ErrorStateConflict
	}
	if err := models.UpdateBatchStatus(tx, batch, target); err != nil {
		return nil, err
	}

	switch target {
	case models.BatchStatusCanceled:
		// Every evaluation was inactivated; nothing is left to report on.
		notification := models.Notification{
			ClinicId:     batch.ClinicId,
			ContractorId: batch.ContractorId,
			Kind:         models.NotificationKindBatchAutoCanceled,
			Recipient:    batch.ReleasedBy,
			Title:        "Batch " + batch.Code + " canceled",
			Message:      "All evaluations in the batch were inactivated.",
			BatchId:      &batch.ID,
		}
		if err := models.CreateNotification(tx, &notification); err != nil {
			return nil, err
		}
		return nil, nil

	case models.BatchStatusCompleted:
		notification := models.Notification{
			ClinicId:     batch.ClinicId,
			ContractorId: batch.ContractorId,
			Kind:         models.NotificationKindBatchCompleted,
			Recipient:    batch.ReleasedBy,
			Title:        "Batch " + batch.Code + " completed",
			Message:      "All evaluations reached a terminal state (" + string(cause) + "). The batch is ready for report emission.",
			BatchId:      &batch.ID,
		}
		if err := models.CreateNotification(tx, &notification); err != nil {
			return nil, err
		}
		if config.SkipImmediateIssuance() {
			return nil, nil
		}
		return IssueReport(tx, batch, IssuanceOptions{})
	}
	return nil, nil
}

// CompleteEvaluation records a subject's finished assessment with its
// answers and recomputes the batch in the same transaction. The batch row
// lock serializes concurrent completions of the same batch, so two "last"
// evaluations cannot both decide the census.
func CompleteEvaluation(ctx context.Context, actor Actor, evaluationId int, answers []models.NewEvaluationAnswer) (*models.Evaluation, *IssuanceResult, error) {

	var evaluation *models.Evaluation
	var issuance *IssuanceResult

	err := WithActorTransaction(ctx, actor, func(ctx context.Context, tx *gorm.DB) error {
		var eval models.Evaluation
		if err := tx.First(&eval, evaluationId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		batch, err := models.FetchBatchForUpdate(tx, eval.BatchId)
		if err != nil {
			return err
		}
		if !batchIsOpen(batch.Status) {
			return utils.ErrorStateConflict
		}

		if err := models.MarkEvaluationCompleted(tx, &eval, answers); err != nil {
			return err
		}

		issuance, err = RecalcBatchStatus(ctx, tx, batch, models.EvaluationStatusCompleted)
		if err != nil {
			return err
		}
		evaluation = &eval
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return evaluation, issuance, nil
}

// InactivateEvaluation removes a subject from the batch's pending set, with
// a mandatory reason, and recomputes the batch in the same transaction.
func InactivateEvaluation(ctx context.Context, actor Actor, evaluationId int, reason string) (*models.Evaluation, *IssuanceResult, error) {

	var evaluation *models.Evaluation
	var issuance *IssuanceResult

	err := WithActorTransaction(ctx, actor, func(ctx context.Context, tx *gorm.DB) error {
		var eval models.Evaluation
		if err := tx.First(&eval, evaluationId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		batch, err := models.FetchBatchForUpdate(tx, eval.BatchId)
		if err != nil {
			return err
		}
		if !batchIsOpen(batch.Status) {
			return utils.ErrorStateConflict
		}

		if err := models.MarkEvaluationInactivated(tx, &eval, reason); err != nil {
			return err
		}

		issuance, err = RecalcBatchStatus(ctx, tx, batch, models.EvaluationStatusInactivated)
		if err != nil {
			return err
		}
		evaluation = &eval
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return evaluation, issuance, nil
}

// RequestEmission explicitly asks for the batch's report. Normal requests
// require a completed batch; emergency requests may force a still-open batch
// through, recording who asked and why.
func RequestEmission(ctx context.Context, actor Actor, batchId int, opts IssuanceOptions) (*IssuanceResult, error) {

	var issuance *IssuanceResult

	err := WithActorTransaction(ctx, actor, func(ctx context.Context, tx *gorm.DB) error {
		batch, err := models.FetchBatchForUpdate(tx, batchId)
		if err != nil {
			return err
		}

		if opts.Emergency {
			if !config.EmergencyIssuanceEnabled() {
				return utils.NewValidationError("emergency", "emergency issuance is disabled")
			}
			if batch.Status == models.BatchStatusIssued || batch.Status == models.BatchStatusSent ||
				batch.Status == models.BatchStatusCanceled {
				return utils.ErrorStateConflict
			}
		} else if !models.CanTransitionBatch(batch.Status, models.BatchStatusEmissionRequested) {
			return utils.ErrorStateConflict
		}

		now := time.Now().UTC()
		from := batch.Status
		if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).
			Updates(map[string]interface{}{
				"status":       models.BatchStatusEmissionRequested,
				"requested_at": now,
				"requested_by": actor.Id,
			}).Error; err != nil {
			return err
		}
		batch.Status = models.BatchStatusEmissionRequested
		batch.RequestedAt = &now
		batch.RequestedBy = actor.Id
		if err := models.SaveAuditTransition(tx, "batches", batch.ID, from.String(), batch.Status.String(),
			"Emission requested for batch "+batch.Code); err != nil {
			return err
		}

		notification := models.Notification{
			ClinicId:     batch.ClinicId,
			ContractorId: batch.ContractorId,
			Kind:         models.NotificationKindEmissionRequested,
			Recipient:    batch.ReleasedBy,
			Title:        "Emission requested for batch " + batch.Code,
			Message:      "Report emission was requested by " + actor.Name + ".",
			BatchId:      &batch.ID,
		}
		if err := models.CreateNotification(tx, &notification); err != nil {
			return err
		}

		issuance, err = IssueReport(tx, batch, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issuance, nil
}

// CancelBatch withdraws an unissued batch. Pending evaluations are
// inactivated with the cancellation reason so the census stays coherent.
func CancelBatch(ctx context.Context, actor Actor, batchId int, reason string) (*models.Batch, error) {

	if reason == "" {
		return nil, utils.NewValidationError("reason", "cancellation reason is required")
	}

	var result *models.Batch
	err := WithActorTransaction(ctx, actor, func(ctx context.Context, tx *gorm.DB) error {
		batch, err := models.FetchBatchForUpdate(tx, batchId)
		if err != nil {
			return err
		}
		if !models.CanTransitionBatch(batch.Status, models.BatchStatusCanceled) {
			return utils.ErrorStateConflict
		}

		var pending []models.Evaluation
		if err := tx.Where("batch_id = ? AND status = ?", batch.ID, models.EvaluationStatusStarted).
			Find(&pending).Error; err != nil {
			return err
		}
		for i := range pending {
			if err := models.MarkEvaluationInactivated(tx, &pending[i], "batch canceled: "+reason); err != nil {
				return err
			}
		}

		if err := models.UpdateBatchStatus(tx, batch, models.BatchStatusCanceled); err != nil {
			return err
		}
		if err := models.SaveAuditAction(tx, models.AuditActionUpdate, "batches", batch.ID,
			map[string]string{"reason": reason}, "Batch "+batch.Code+" canceled: "+reason); err != nil {
			return err
		}

		result = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
