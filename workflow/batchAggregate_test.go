package workflow

import (
	"testing"

	"bitbucket.org/hcsaude/assessments_backend/models"
)

func TestDecideBatchStatus_ClosureMatrix(t *testing.T) {
	tests := []struct {
		name         string
		current      models.BatchStatus
		agg          BatchAggregate
		lastTerminal models.EvaluationStatus
		wantStatus   models.BatchStatus
		wantCause    ClosureCause
	}{
		{
			name:       "empty batch stays draft",
			current:    models.BatchStatusDraft,
			agg:        BatchAggregate{},
			wantStatus: models.BatchStatusDraft,
			wantCause:  ClosureCauseNone,
		},
		{
			name:       "untouched batch stays draft",
			current:    models.BatchStatusDraft,
			agg:        BatchAggregate{Total: 3, Started: 3},
			wantStatus: models.BatchStatusDraft,
			wantCause:  ClosureCauseNone,
		},
		{
			name:         "first completion activates",
			current:      models.BatchStatusDraft,
			agg:          BatchAggregate{Total: 3, Started: 2, Completed: 1},
			lastTerminal: models.EvaluationStatusCompleted,
			wantStatus:   models.BatchStatusActive,
			wantCause:    ClosureCauseNone,
		},
		{
			name:         "first inactivation activates",
			current:      models.BatchStatusDraft,
			agg:          BatchAggregate{Total: 3, Started: 2, Inactivated: 1},
			lastTerminal: models.EvaluationStatusInactivated,
			wantStatus:   models.BatchStatusActive,
			wantCause:    ClosureCauseNone,
		},
		{
			name:         "last completion closes the batch",
			current:      models.BatchStatusActive,
			agg:          BatchAggregate{Total: 3, Completed: 3},
			lastTerminal: models.EvaluationStatusCompleted,
			wantStatus:   models.BatchStatusCompleted,
			wantCause:    ClosureCauseLastCompleted,
		},
		{
			name:         "last pending inactivated closes with at least one completion",
			current:      models.BatchStatusActive,
			agg:          BatchAggregate{Total: 3, Completed: 1, Inactivated: 2},
			lastTerminal: models.EvaluationStatusInactivated,
			wantStatus:   models.BatchStatusCompleted,
			wantCause:    ClosureCauseLastInactivated,
		},
		{
			name:         "all inactivated cancels",
			current:      models.BatchStatusActive,
			agg:          BatchAggregate{Total: 3, Inactivated: 3},
			lastTerminal: models.EvaluationStatusInactivated,
			wantStatus:   models.BatchStatusCanceled,
			wantCause:    ClosureCauseAllInactivated,
		},
		{
			name:         "all inactivated cancels straight from draft",
			current:      models.BatchStatusDraft,
			agg:          BatchAggregate{Total: 1, Inactivated: 1},
			lastTerminal: models.EvaluationStatusInactivated,
			wantStatus:   models.BatchStatusCanceled,
			wantCause:    ClosureCauseAllInactivated,
		},
		{
			name:         "pending work keeps the batch open",
			current:      models.BatchStatusActive,
			agg:          BatchAggregate{Total: 5, Started: 1, Completed: 3, Inactivated: 1},
			lastTerminal: models.EvaluationStatusCompleted,
			wantStatus:   models.BatchStatusActive,
			wantCause:    ClosureCauseNone,
		},
		{
			name:         "closed statuses are never revisited",
			current:      models.BatchStatusIssued,
			agg:          BatchAggregate{Total: 3, Completed: 3},
			lastTerminal: models.EvaluationStatusCompleted,
			wantStatus:   models.BatchStatusIssued,
			wantCause:    ClosureCauseNone,
		},
		{
			name:         "canceled is terminal",
			current:      models.BatchStatusCanceled,
			agg:          BatchAggregate{Total: 3, Completed: 3},
			lastTerminal: models.EvaluationStatusCompleted,
			wantStatus:   models.BatchStatusCanceled,
			wantCause:    ClosureCauseNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStatus, gotCause := DecideBatchStatus(tt.current, tt.agg, tt.lastTerminal)
			if gotStatus != tt.wantStatus {
				t.Fatalf("status: got %s, want %s", gotStatus, tt.wantStatus)
			}
			if gotCause != tt.wantCause {
				t.Fatalf("cause: got %q, want %q", gotCause, tt.wantCause)
			}
		})
	}
}

// The same census must decide the same way no matter in which order the
// terminal states were reached, except for the closure-cause label that is
// defined by the final event.
func TestDecideBatchStatus_OrderIndependentWhileOpen(t *testing.T) {
	agg := BatchAggregate{Total: 4, Started: 1, Completed: 2, Inactivated: 1}

	fromCompleted, _ := DecideBatchStatus(models.BatchStatusActive, agg, models.EvaluationStatusCompleted)
	fromInactivated, _ := DecideBatchStatus(models.BatchStatusActive, agg, models.EvaluationStatusInactivated)

	if fromCompleted != fromInactivated {
		t.Fatalf("open decision depends on event order: %s vs %s", fromCompleted, fromInactivated)
	}
}

func TestDecideBatchStatus_ClosureStatusOrderIndependent(t *testing.T) {
	// Mixed terminal census: the closing status must be completed regardless
	// of which event landed last; only the cause differs.
	agg := BatchAggregate{Total: 4, Completed: 2, Inactivated: 2}

	s1, c1 := DecideBatchStatus(models.BatchStatusActive, agg, models.EvaluationStatusCompleted)
	s2, c2 := DecideBatchStatus(models.BatchStatusActive, agg, models.EvaluationStatusInactivated)

	if s1 != models.BatchStatusCompleted || s2 != models.BatchStatusCompleted {
		t.Fatalf("expected completed for both orders, got %s and %s", s1, s2)
	}
	if c1 != ClosureCauseLastCompleted {
		t.Fatalf("expected last-completed cause, got %q", c1)
	}
	if c2 != ClosureCauseLastInactivated {
		t.Fatalf("expected last-inactivated cause, got %q", c2)
	}
}

func TestPending(t *testing.T) {
	agg := BatchAggregate{Total: 5, Started: 2, Completed: 2, Inactivated: 1}
	if agg.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", agg.Pending())
	}
}
