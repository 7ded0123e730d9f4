package models

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceSeries holds one monotonic counter per tenant scope. Rows are read
// FOR UPDATE inside the batch-creating transaction so two concurrent creates
// for the same tenant serialize instead of racing to the same number.
type SequenceSeries struct {
	ID           int    `gorm:"primary_key" json:"id"`
	ClinicId     *int   `gorm:"uniqueIndex:idx_sequence_scope" json:"clinic_id"`
	ContractorId *int   `gorm:"uniqueIndex:idx_sequence_scope" json:"contractor_id"`
	Prefix       string `gorm:"size:10;not null" json:"prefix"`
	LastNumber   int    `gorm:"not null;default:0" json:"last_number"`
}

const defaultSequencePrefix = "LT"

// NextSequenceNumber reserves the next number for the tenant scope. Must run
// inside tx; the row lock is held until the enclosing commit/rollback.
func NextSequenceNumber(tx *gorm.DB, clinicId *int, contractorId *int) (int, string, error) {

	var series SequenceSeries
	dbCtx := tx.Clauses(clause.Locking{Strength: "UPDATE"})
	if clinicId != nil {
		dbCtx = dbCtx.Where("clinic_id = ?", *clinicId)
	} else {
		dbCtx = dbCtx.Where("contractor_id = ?", *contractorId)
	}

	err := dbCtx.First(&series).Error
	if err == gorm.ErrRecordNotFound {
		series = SequenceSeries{
			ClinicId:     clinicId,
			ContractorId: contractorId,
			Prefix:       defaultSequencePrefix,
			LastNumber:   0,
		}
		if err := tx.Create(&series).Error; err != nil {
			return 0, "", err
		}
	} else if err != nil {
		return 0, "", err
	}

	series.LastNumber++
	if err := tx.Model(&SequenceSeries{}).Where("id = ?", series.ID).
		Update("last_number", series.LastNumber).Error; err != nil {
		return 0, "", err
	}

	code := fmt.Sprintf("%s-%06d", series.Prefix, series.LastNumber)
	return series.LastNumber, code, nil
}
