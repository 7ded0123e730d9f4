package models

import (
	"bitbucket.org/hcsaude/assessments_backend/config"
	"gorm.io/gorm"
)

func (s *Staff) AfterCreate(tx *gorm.DB) (err error) {
	clean := *s
	clean.Password = ""
	return SaveAuditCreate(tx, s.ID, &clean, "Staff "+s.Name+" created")
}

func (s *Staff) AfterUpdate(tx *gorm.DB) (err error) {
	return config.RemoveRedisKey("Staff:" + s.Cpf)
}

func (s *Staff) AfterDelete(tx *gorm.DB) (err error) {
	if err := config.RemoveRedisKey("Staff:" + s.Cpf); err != nil {
		return err
	}
	return SaveAuditDelete(tx, s.ID, nil, "Staff "+s.Name+" deleted")
}

// Reports are only ever inserted by the issuance path; the AfterCreate trail
// entry is the canonical "report exists" audit record.
func (r *Report) AfterCreate(tx *gorm.DB) (err error) {
	return SaveAuditAction(tx, AuditActionIssue, "reports", r.ID,
		map[string]interface{}{"batch_id": r.BatchId, "content_hash": r.ContentHash, "emitter_id": r.EmitterId},
		"Report issued for batch")
}
