package models

// UserQuota carries the explicit per-user quota override.
//
// AutoRulesLimitPerMonth: NULL means quota is configured off for the tenant
// and no enforcement happens; negative or zero defers to the tenant role's
// default limit; any other value is the monthly cap.
type UserQuota struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username               string `gorm:"type:varchar(255);not null;uniqueIndex"` // Tenant identity.
	AutoRulesLimitPerMonth *int64 `gorm:"column:auto_rules_limit_per_month"`      // Explicit monthly cap override.
}

// TableName overrides the default table name.
func (UserQuota) TableName() string {
	return "user_quota"
}

// OrgQuota carries the explicit per-organization quota override, with the
// same resolution semantics as UserQuota.
type OrgQuota struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID                  int64  `gorm:"column:org_id;not null;uniqueIndex"` // Tenant identity.
	AutoRulesLimitPerMonth *int64 `gorm:"column:auto_rules_limit_per_month"`  // Explicit monthly cap override.
}

// TableName overrides the default table name.
func (OrgQuota) TableName() string {
	return "organizations_org_quota"
}
