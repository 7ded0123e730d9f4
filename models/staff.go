package models

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Staff is the directory row behind sessions and the eligible-emitter
// lookup. Emitters are staff with the emitter role, active, in the tenant
// scope of the batch being issued.
type Staff struct {
	ID           int       `gorm:"primary_key" json:"id"`
	ClinicId     *int      `gorm:"index" json:"clinic_id"`
	ContractorId *int      `gorm:"index" json:"contractor_id"`
	Cpf          string    `gorm:"size:11;not null;unique" json:"cpf"`
	Name         string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Role         ActorRole `gorm:"size:30;not null" json:"role"`
	Phone        string    `gorm:"size:20" json:"phone"`
	Password     string    `gorm:"size:255;not null" json:"password"`
	IsActive     *bool     `gorm:"not null" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStaff struct {
	ClinicId     *int      `json:"clinic_id"`
	ContractorId *int      `json:"contractor_id"`
	Cpf          string    `json:"cpf" binding:"required"`
	Name         string    `json:"name" binding:"required"`
	Role         ActorRole `json:"role" binding:"required"`
	Phone        string    `json:"phone"`
	Password     string    `json:"password" binding:"required"`
	IsActive     *bool     `json:"is_active" binding:"required"`
}

func (result *Staff) PrepareGive() {
	result.Password = ""
}

type LoginInfo struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func Login(ctx context.Context, cpf string, password string) (*LoginInfo, error) {

	db := config.GetDB()
	var result LoginInfo

	staff := Staff{}
	err := db.WithContext(ctx).Model(&Staff{}).Where("cpf = ?", utils.SanitizeCPF(cpf)).Take(&staff).Error
	if err != nil {
		return &result, errors.New("invalid cpf or password")
	}

	err = utils.ComparePassword(staff.Password, password)
	if err != nil && err == bcrypt.ErrMismatchedHashAndPassword {
		return &result, errors.New("invalid cpf or password")
	}

	if staff.IsActive == nil || !*staff.IsActive {
		return &result, errors.New("staff is disabled")
	}

	token, err := utils.JwtGenerate(staff.Cpf, string(staff.Role))
	if err != nil {
		return &result, err
	}
	result.Token = token
	result.Name = staff.Name
	result.Role = string(staff.Role)

	tokenLifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil {
		tokenLifespan = 8
	}
	if err := config.SetRedisValue("Token:"+token, staff.Cpf, time.Duration(tokenLifespan)*time.Hour); err != nil {
		return &result, err
	}

	return &result, nil
}

// Logout drops the redis-side session so the token dies before its JWT
// expiry.
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	if err := config.RemoveRedisKey("Token:" + token); err != nil {
		return false, err
	}
	return true, nil
}

func CreateStaff(ctx context.Context, input *NewStaff) (*Staff, error) {

	db := config.GetDB()

	if err := utils.ValidateInput(input); err != nil {
		return nil, err
	}
	if input.ClinicId != nil && input.ContractorId != nil {
		return nil, utils.NewValidationError("tenant", "clinic and contractor scope are mutually exclusive")
	}
	cpf := utils.SanitizeCPF(input.Cpf)
	if err := utils.ValidateCPF(cpf); err != nil {
		return nil, err
	}
	if input.Phone != "" {
		normalized, err := utils.ValidatePhoneNumber(input.Phone)
		if err != nil {
			return nil, err
		}
		input.Phone = normalized
	}

	var count int64
	if err := db.WithContext(ctx).Model(&Staff{}).Where("cpf = ?", cpf).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("duplicate cpf")
	}

	hashedPassword, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	staff := Staff{
		ClinicId:     input.ClinicId,
		ContractorId: input.ContractorId,
		Cpf:          cpf,
		Name:         input.Name,
		Role:         input.Role,
		Phone:        input.Phone,
		Password:     string(hashedPassword),
		IsActive:     input.IsActive,
	}
	if err := db.WithContext(ctx).Create(&staff).Error; err != nil {
		return nil, err
	}
	staff.PrepareGive()
	return &staff, nil
}

// FindStaffByCpf is the session-binding hot path, so it reads through redis.
// Hooks drop the cached row on any staff mutation.
func FindStaffByCpf(ctx context.Context, cpf string) (*Staff, error) {
	cpf = utils.SanitizeCPF(cpf)

	var cached Staff
	exists, err := config.GetRedisObject("Staff:"+cpf, &cached)
	if err == nil && exists {
		return &cached, nil
	}

	db := config.GetDB()
	var staff Staff
	if err := db.WithContext(ctx).Where("cpf = ?", cpf).Take(&staff).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = config.SetRedisObject("Staff:"+staff.Cpf, &staff, utils.GetCacheLifespan())
	return &staff, nil
}

// FindActiveEmitter resolves the emitter for a tenant scope. Deterministic
// (lowest id) so repeated issuance attempts pick the same one. Returns
// ErrorNoEligibleEmitter when the directory has nobody; the caller treats
// that as an expected operational condition, not a failure.
func FindActiveEmitter(tx *gorm.DB, clinicId *int, contractorId *int) (*Staff, error) {

	var staff Staff
	dbCtx := tx.Where("role = ? AND is_active = ?", ActorRoleEmitter, true)
	if clinicId != nil {
		dbCtx = dbCtx.Where("clinic_id = ?", *clinicId)
	} else if contractorId != nil {
		dbCtx = dbCtx.Where("contractor_id = ?", *contractorId)
	}

	err := dbCtx.Order("id").First(&staff).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.ErrorNoEligibleEmitter
	}
	if err != nil {
		return nil, err
	}
	return &staff, nil
}
