package models

import (
	"strings"
	"time"
)

// GroupOwnerMarker appears in a workspace owner value when the workspace
// belongs to a group. Groups not bound to an organization are never
// quota-limited.
const GroupOwnerMarker = "@seafile_group"

// Workspace is the container a dtable lives in; owned by exactly one tenant.
// Read-only from this engine's perspective.
type Workspace struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Owner string `gorm:"type:varchar(255);not null;index"`  // Username or group identifier.
	OrgID int64  `gorm:"column:org_id;not null;default:-1"` // -1 when not organization-owned.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (Workspace) TableName() string {
	return "workspaces"
}

// IsGroupOwned reports whether the workspace owner is a group identifier.
func (w Workspace) IsGroupOwned() bool {
	return strings.Contains(w.Owner, GroupOwnerMarker)
}

// DTable maps a dtable uuid to its workspace.
type DTable struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UUID        string `gorm:"column:uuid;type:varchar(36);not null;uniqueIndex"` // DTable identity.
	WorkspaceID uint64 `gorm:"not null;index"`                                    // Owning workspace.
	Deleted     bool   `gorm:"not null;default:false"`                            // Soft-delete flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (DTable) TableName() string {
	return "dtables"
}
