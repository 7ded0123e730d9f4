package models

import "testing"

func TestCanTransitionBatch(t *testing.T) {
	tests := []struct {
		from BatchStatus
		to   BatchStatus
		want bool
	}{
		{BatchStatusDraft, BatchStatusActive, true},
		{BatchStatusDraft, BatchStatusCompleted, true},
		{BatchStatusDraft, BatchStatusCanceled, true},
		{BatchStatusDraft, BatchStatusIssued, false},

		{BatchStatusActive, BatchStatusCompleted, true},
		{BatchStatusActive, BatchStatusCanceled, true},
		{BatchStatusActive, BatchStatusDraft, false},
		{BatchStatusActive, BatchStatusEmissionRequested, false},

		{BatchStatusCompleted, BatchStatusEmissionRequested, true},
		{BatchStatusCompleted, BatchStatusEmissionInProgress, true},
		{BatchStatusCompleted, BatchStatusCanceled, true},
		{BatchStatusCompleted, BatchStatusActive, false},
		{BatchStatusCompleted, BatchStatusIssued, false},

		{BatchStatusEmissionRequested, BatchStatusEmissionInProgress, true},
		{BatchStatusEmissionRequested, BatchStatusCanceled, true},
		{BatchStatusEmissionRequested, BatchStatusIssued, false},

		{BatchStatusEmissionInProgress, BatchStatusIssued, true},
		{BatchStatusEmissionInProgress, BatchStatusCanceled, false},

		{BatchStatusIssued, BatchStatusSent, true},
		{BatchStatusIssued, BatchStatusCanceled, false},
		{BatchStatusIssued, BatchStatusCompleted, false},

		{BatchStatusSent, BatchStatusIssued, false},
		{BatchStatusSent, BatchStatusCanceled, false},
		{BatchStatusCanceled, BatchStatusDraft, false},
		{BatchStatusCanceled, BatchStatusActive, false},
	}

	for _, tt := range tests {
		if got := CanTransitionBatch(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionBatch(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransitionBatch_SelfTransitionsRejected(t *testing.T) {
	for from := range batchTransitions {
		if CanTransitionBatch(from, from) {
			t.Errorf("self transition allowed for %s", from)
		}
	}
}

func TestBatchStatusPermitsIssuance(t *testing.T) {
	allowed := map[BatchStatus]bool{
		BatchStatusCompleted:         true,
		BatchStatusEmissionRequested: true,
	}
	for from := range batchTransitions {
		if got := BatchStatusPermitsIssuance(from); got != allowed[from] {
			t.Errorf("BatchStatusPermitsIssuance(%s) = %v, want %v", from, got, allowed[from])
		}
	}
}
