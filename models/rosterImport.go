package models

import (
	"context"
	"fmt"
	"io"
	"strings"

	"bitbucket.org/hcsaude/assessments_backend/utils"
	"github.com/xuri/excelize/v2"
)

// ImportRosterFromXlsx creates a batch from an uploaded roster spreadsheet.
// Expected layout: Sheet1 with a header row, column A = subject CPF,
// column B = subject name. Blank rows are skipped; a bad CPF aborts the
// whole import so a partial batch never appears.
func ImportRosterFromXlsx(ctx context.Context, file io.Reader, filename string, description string) (*Batch, error) {

	if !strings.HasSuffix(filename, ".xlsx") {
		return nil, utils.NewValidationError("file", "only .xlsx files are allowed")
	}

	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("unable to open roster file: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet: %v", err)
	}
	if len(rows) < 2 {
		return nil, utils.NewValidationError("file", "roster has no subject rows")
	}

	input := NewBatch{Description: description}
	seen := make(map[string]bool)
	for idx, row := range rows[1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		cpf := utils.SanitizeCPF(row[0])
		if err := utils.ValidateCPF(cpf); err != nil {
			return nil, utils.NewValidationError("cpf", fmt.Sprintf("invalid cpf in row %d", idx+2))
		}
		if seen[cpf] {
			return nil, utils.NewValidationError("cpf", fmt.Sprintf("duplicate cpf in row %d", idx+2))
		}
		seen[cpf] = true

		name := ""
		if len(row) > 1 {
			name = strings.TrimSpace(row[1])
		}
		if name == "" {
			return nil, utils.NewValidationError("name", fmt.Sprintf("missing subject name in row %d", idx+2))
		}

		input.Subjects = append(input.Subjects, NewEvaluation{
			SubjectId:   cpf,
			SubjectName: name,
		})
	}
	if len(input.Subjects) == 0 {
		return nil, utils.NewValidationError("file", "roster has no subject rows")
	}

	return CreateBatch(ctx, &input)
}
