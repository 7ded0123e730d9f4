package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EvaluationAnswer is one scored item of a completed evaluation. Answers feed
// the report's group scores and freeze together with the batch at issuance.
type EvaluationAnswer struct {
	ID           int             `gorm:"primary_key" json:"id"`
	EvaluationId int             `gorm:"index;not null" json:"evaluation_id"`
	ItemGroup    string          `gorm:"size:50;not null" json:"item_group"`
	ItemCode     string          `gorm:"size:50;not null" json:"item_code"`
	Value        decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"value"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewEvaluationAnswer struct {
	ItemGroup string          `json:"item_group" binding:"required"`
	ItemCode  string          `json:"item_code" binding:"required"`
	Value     decimal.Decimal `json:"value"`
}
