// seed-admin creates or updates the bootstrap admin staff row plus one
// active emitter, so a fresh environment can log in and issue reports.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//
// Override the defaults with SEED_ADMIN_CPF / SEED_ADMIN_PASSWORD /
// SEED_EMITTER_CPF / SEED_EMITTER_PASSWORD / SEED_CLINIC_ID.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"gorm.io/gorm"
)

const (
	defaultAdminCpf       = "00000000191"
	defaultAdminPassword  = "Assessments@dmin"
	defaultAdminName      = "Assessments Admin"
	defaultEmitterCpf     = "00000000272"
	defaultEmitterPasswrd = "Assessments3mitter"
	defaultEmitterName    = "Default Emitter"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func upsertStaff(ctx context.Context, db *gorm.DB, cpf, name, password string, role models.ActorRole, clinicId *int) error {
	hashed, err := utils.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}
	hashedStr := string(hashed)

	var existing models.Staff
	err = db.WithContext(ctx).Model(&models.Staff{}).Where("cpf = ?", cpf).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to lookup staff: %v", err)
		}
		s := models.Staff{
			Cpf:      cpf,
			Name:     name,
			Role:     role,
			Password: hashedStr,
			IsActive: utils.NewTrue(),
			ClinicId: clinicId,
		}
		if err := db.WithContext(ctx).Create(&s).Error; err != nil {
			return fmt.Errorf("failed to create staff: %v", err)
		}
		fmt.Printf("Created staff: cpf=%q role=%s\n", cpf, role)
		return nil
	}

	if err := db.WithContext(ctx).Model(&models.Staff{}).Where("cpf = ?", cpf).Updates(map[string]any{
		"password":  hashedStr,
		"name":      name,
		"role":      role,
		"is_active": utils.NewTrue(),
	}).Error; err != nil {
		return fmt.Errorf("failed to update staff: %v", err)
	}
	_ = config.RemoveRedisKey("Staff:" + cpf)
	fmt.Printf("Updated staff: cpf=%q role=%s\n", cpf, role)
	return nil
}

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	// Audit hooks require actor identity in context; seeding runs as system.
	ctx = utils.SetActorIdInContext(ctx, "system")
	ctx = utils.SetActorNameInContext(ctx, "Seed")
	ctx = utils.SetIsSystemInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var clinicId *int
	if v := os.Getenv("SEED_CLINIC_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id <= 0 {
			fmt.Fprintln(os.Stderr, "SEED_CLINIC_ID must be a positive integer")
			os.Exit(1)
		}
		clinicId = &id
	}

	if err := upsertStaff(ctx, db,
		envOr("SEED_ADMIN_CPF", defaultAdminCpf),
		defaultAdminName,
		envOr("SEED_ADMIN_PASSWORD", defaultAdminPassword),
		models.ActorRoleAdmin, clinicId); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := upsertStaff(ctx, db,
		envOr("SEED_EMITTER_CPF", defaultEmitterCpf),
		defaultEmitterName,
		envOr("SEED_EMITTER_PASSWORD", defaultEmitterPasswrd),
		models.ActorRoleEmitter, clinicId); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
