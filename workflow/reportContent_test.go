package workflow

import (
	"math/rand"
	"testing"

	"bitbucket.org/hcsaude/assessments_backend/models"
	"github.com/shopspring/decimal"
)

func answer(group, code string, value string) models.EvaluationAnswer {
	return models.EvaluationAnswer{
		ItemGroup: group,
		ItemCode:  code,
		Value:     decimal.RequireFromString(value),
	}
}

func TestComputeGroupScores(t *testing.T) {
	answers := []models.EvaluationAnswer{
		answer("posture", "p1", "4"),
		answer("posture", "p2", "2"),
		answer("hearing", "h1", "3"),
		answer("hearing", "h2", "3"),
		answer("hearing", "h3", "1"),
	}

	scores := ComputeGroupScores(answers)
	if len(scores) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(scores))
	}

	// Sorted by group name.
	if scores[0].Group != "hearing" || scores[1].Group != "posture" {
		t.Fatalf("unexpected group order: %s, %s", scores[0].Group, scores[1].Group)
	}
	if scores[0].Count != 3 || scores[1].Count != 2 {
		t.Fatalf("unexpected counts: %d, %d", scores[0].Count, scores[1].Count)
	}
	if !scores[0].Score.Equal(decimal.RequireFromString("2.3333")) {
		t.Fatalf("hearing average: got %s, want 2.3333", scores[0].Score)
	}
	if !scores[1].Score.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("posture average: got %s, want 3", scores[1].Score)
	}
}

func TestComputeGroupScores_Empty(t *testing.T) {
	scores := ComputeGroupScores(nil)
	if len(scores) != 0 {
		t.Fatalf("expected no scores for no answers, got %d", len(scores))
	}
}

// Input row order must not leak into the output: the scores back a digest
// that is compared byte for byte later.
func TestComputeGroupScores_OrderInsensitive(t *testing.T) {
	answers := []models.EvaluationAnswer{
		answer("a", "a1", "1.5"),
		answer("b", "b1", "2"),
		answer("a", "a2", "2.5"),
		answer("c", "c1", "5"),
		answer("b", "b2", "4"),
		answer("c", "c2", "0"),
	}

	want := ComputeGroupScores(answers)

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]models.EvaluationAnswer, len(answers))
		copy(shuffled, answers)
		r.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := ComputeGroupScores(shuffled)
		if len(got) != len(want) {
			t.Fatalf("iteration %d: group count changed: %d vs %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j].Group != want[j].Group || got[j].Count != want[j].Count || !got[j].Score.Equal(want[j].Score) {
				t.Fatalf("iteration %d: scores differ at %d: %+v vs %+v", i, j, got[j], want[j])
			}
		}
	}
}

func TestHashContent(t *testing.T) {
	// Known sha256 vector.
	if got := HashContent(""); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected empty digest: %s", got)
	}
	if HashContent("report body") != HashContent("report body") {
		t.Fatal("same content must produce the same digest")
	}
	if HashContent("report body") == HashContent("report body.") {
		t.Fatal("different content must produce different digests")
	}
	if len(HashContent("x")) != 64 {
		t.Fatalf("digest must be 64 hex chars, got %d", len(HashContent("x")))
	}
}
