package models

// UserRole is the identity-store role membership row for a user.
type UserRole struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email string `gorm:"type:varchar(255);not null;uniqueIndex"` // User identity.
	Role  string `gorm:"type:varchar(255);not null"`             // Role name resolved via the role directory.
}

// TableName overrides the default table name.
func (UserRole) TableName() string {
	return "user_role"
}

// OrgSettings is the identity-store role membership row for an organization.
type OrgSettings struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID int64  `gorm:"column:org_id;not null;uniqueIndex"` // Organization identity.
	Role  string `gorm:"type:varchar(255);not null"`         // Role name resolved via the role directory.
}

// TableName overrides the default table name.
func (OrgSettings) TableName() string {
	return "organizations_orgsettings"
}
