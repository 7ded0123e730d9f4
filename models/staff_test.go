package models

import (
	"context"
	"testing"

	"bitbucket.org/hcsaude/assessments_backend/utils"
)

func TestCreateStaffRejectsDualTenantScope(t *testing.T) {
	clinicId := 1
	contractorId := 2
	_, err := CreateStaff(context.Background(), &NewStaff{
		ClinicId:     &clinicId,
		ContractorId: &contractorId,
		Cpf:          "52998224725",
		Name:         "Dual Scope",
		Role:         ActorRoleHR,
		Password:     "Test1234!",
		IsActive:     utils.NewTrue(),
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected validation error for dual tenant scope, got %v", err)
	}
}
