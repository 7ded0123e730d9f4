package models

import (
	"log"

	"bitbucket.org/hcsaude/assessments_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Batch{}, &Evaluation{}, &EvaluationAnswer{},
		&Report{},
		&AuditEntry{}, &Notification{},
		&Staff{}, &SequenceSeries{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
