package models

import "time"

// UserMonthlyStats is the quota ledger row for an individual user: firings
// this calendar month plus the exceeded flag recomputed once daily.
// Rows are created lazily on first firing and kept as a historical ledger.
type UserMonthlyStats struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:varchar(255);not null;uniqueIndex:uk_user_month"` // Tenant identity.
	Month    string `gorm:"type:varchar(7);not null;uniqueIndex:uk_user_month"`   // Calendar month, "YYYY-MM".

	TriggerCount int64 `gorm:"not null;default:0"`     // Firings this month.
	IsExceed     bool  `gorm:"not null;default:false"` // Over-limit flag, recomputed daily.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (UserMonthlyStats) TableName() string {
	return "user_auto_rules_statistics_per_month"
}

// OrgMonthlyStats is the quota ledger row for an organization.
type OrgMonthlyStats struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID int64  `gorm:"column:org_id;not null;uniqueIndex:uk_org_month"`   // Tenant identity.
	Month string `gorm:"type:varchar(7);not null;uniqueIndex:uk_org_month"` // Calendar month, "YYYY-MM".

	TriggerCount int64 `gorm:"not null;default:0"`     // Firings this month.
	IsExceed     bool  `gorm:"not null;default:false"` // Over-limit flag, recomputed daily.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (OrgMonthlyStats) TableName() string {
	return "org_auto_rules_statistics_per_month"
}
