package workflow

import (
	"bitbucket.org/hcsaude/assessments_backend/models"
	"gorm.io/gorm"
)

// BatchAggregate is the evaluation census of one batch at one instant.
type BatchAggregate struct {
	Total       int
	Started     int
	Completed   int
	Inactivated int
}

// Pending is what still blocks closure.
func (agg BatchAggregate) Pending() int {
	return agg.Started
}

// ClosureCause says why a batch left the open states. The distinction matters
// for notifications and audit wording: a batch whose last pending evaluation
// was inactivated closed for a different reason than one whose last
// evaluation was completed.
type ClosureCause string

const (
	ClosureCauseNone            ClosureCause = ""
	ClosureCauseLastCompleted   ClosureCause = "last_evaluation_completed"
	ClosureCauseLastInactivated ClosureCause = "last_pending_inactivated"
	ClosureCauseAllInactivated  ClosureCause = "all_evaluations_inactivated"
)

// RecomputeBatchAggregate counts evaluation statuses inside the caller's
// transaction, so it sees that transaction's uncommitted writes.
func RecomputeBatchAggregate(tx *gorm.DB, batchId int) (BatchAggregate, error) {

	var rows []struct {
		Status models.EvaluationStatus
		N      int
	}
	err := tx.Model(&models.Evaluation{}).
		Select("status, COUNT(*) AS n").
		Where("batch_id = ?", batchId).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return BatchAggregate{}, err
	}

	var agg BatchAggregate
	for _, r := range rows {
		agg.Total += r.N
		switch r.Status {
		case models.EvaluationStatusStarted:
			agg.Started += r.N
		case models.EvaluationStatusCompleted:
			agg.Completed += r.N
		case models.EvaluationStatusInactivated:
			agg.Inactivated += r.N
		}
	}
	return agg, nil
}

// DecideBatchStatus maps the census to the batch's target status. Pure: the
// same counts always decide the same way, regardless of the order the
// terminal states were reached in. Statuses past completion (emission,
// issued, sent, canceled) are never revisited here.
func DecideBatchStatus(current models.BatchStatus, agg BatchAggregate, lastTerminal models.EvaluationStatus) (models.BatchStatus, ClosureCause) {

	if current != models.BatchStatusDraft && current != models.BatchStatusActive {
		return current, ClosureCauseNone
	}
	if agg.Total == 0 {
		return current, ClosureCauseNone
	}

	if agg.Started == 0 {
		// Everything is terminal: the batch closes now.
		if agg.Completed == 0 {
			return models.BatchStatusCanceled, ClosureCauseAllInactivated
		}
		if lastTerminal == models.EvaluationStatusInactivated {
			return models.BatchStatusCompleted, ClosureCauseLastInactivated
		}
		return models.BatchStatusCompleted, ClosureCauseLastCompleted
	}

	if agg.Completed > 0 || agg.Inactivated > 0 {
		return models.BatchStatusActive, ClosureCauseNone
	}
	return current, ClosureCauseNone
}
