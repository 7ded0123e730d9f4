package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"html/template"
	"sort"

	"bitbucket.org/hcsaude/assessments_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ContentGenerator renders an issued report's content. Implementations must
// be deterministic for the same batch state: issuance persists the digest
// once and upload confirmation compares against it byte for byte.
type ContentGenerator interface {
	Generate(tx *gorm.DB, batch *models.Batch) (content string, contentHash string, err error)
}

// GroupScore is the average of one item group across the batch's completed
// evaluations.
type GroupScore struct {
	Group string
	Score decimal.Decimal
	Count int
}

type reportSubject struct {
	SubjectId   string
	SubjectName string
	Status      string
	Reason      string
}

type reportData struct {
	Code        string
	BatchId     int
	Completed   int
	Inactivated int
	Subjects    []reportSubject
	Scores      []GroupScore
	Emergency   bool
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Report {{.Code}}</title></head>
<body>
<h1>Assessment Report {{.Code}}</h1>
{{if .Emergency}}<p class="emergency">Issued under emergency mode.</p>{{end}}
<p>Completed evaluations: {{.Completed}} | Inactivated: {{.Inactivated}}</p>
<table>
<tr><th>Subject</th><th>CPF</th><th>Status</th><th>Reason</th></tr>
{{range .Subjects}}<tr><td>{{.SubjectName}}</td><td>{{.SubjectId}}</td><td>{{.Status}}</td><td>{{.Reason}}</td></tr>
{{end}}</table>
<h2>Group Scores</h2>
<table>
<tr><th>Group</th><th>Average</th><th>Answers</th></tr>
{{range .Scores}}<tr><td>{{.Group}}</td><td>{{.Score}}</td><td>{{.Count}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// ComputeGroupScores averages answer values per item group. Output ordering
// is by group name so rendering never depends on row order.
func ComputeGroupScores(answers []models.EvaluationAnswer) []GroupScore {

	sums := make(map[string]decimal.Decimal)
	counts := make(map[string]int)
	for _, a := range answers {
		sums[a.ItemGroup] = sums[a.ItemGroup].Add(a.Value)
		counts[a.ItemGroup]++
	}

	groups := make([]string, 0, len(sums))
	for g := range sums {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	scores := make([]GroupScore, 0, len(groups))
	for _, g := range groups {
		avg := sums[g].Div(decimal.NewFromInt(int64(counts[g]))).Round(4)
		scores = append(scores, GroupScore{Group: g, Score: avg, Count: counts[g]})
	}
	return scores
}

// HashContent is the single digest definition used at issuance and at upload
// confirmation.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// HTMLContentGenerator renders the batch's evaluations and group scores into
// a self-contained HTML document. Subjects are ordered by CPF and scores by
// group name, so two generations over the same frozen batch produce
// identical bytes.
type HTMLContentGenerator struct{}

func (g *HTMLContentGenerator) Generate(tx *gorm.DB, batch *models.Batch) (string, string, error) {

	var evaluations []models.Evaluation
	if err := tx.Preload("Answers").
		Where("batch_id = ?", batch.ID).
		Order("subject_id").
		Find(&evaluations).Error; err != nil {
		return "", "", err
	}

	data := reportData{
		Code:      batch.Code,
		BatchId:   batch.ID,
		Emergency: batch.EmergencyMode,
	}
	var completedAnswers []models.EvaluationAnswer
	for _, e := range evaluations {
		subject := reportSubject{
			SubjectId:   e.SubjectId,
			SubjectName: e.SubjectName,
			Status:      e.Status.String(),
		}
		switch e.Status {
		case models.EvaluationStatusCompleted:
			data.Completed++
			completedAnswers = append(completedAnswers, e.Answers...)
		case models.EvaluationStatusInactivated:
			data.Inactivated++
			subject.Reason = e.InactivationReason
		}
		data.Subjects = append(data.Subjects, subject)
	}
	data.Scores = ComputeGroupScores(completedAnswers)

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	content := buf.String()
	return content, HashContent(content), nil
}
