package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run conditions an automation rule can be configured with.
const (
	RunConditionPerUpdate = "per_update"
	RunConditionPerDay    = "per_day"
	RunConditionPerWeek   = "per_week"
	RunConditionPerMonth  = "per_month"
)

// OrgIDNone marks a rule or workspace that belongs to an individual
// user rather than an organization.
const OrgIDNone = int64(-1)

// AutomationRule stores a trigger+actions configuration scoped to one dtable.
//
// The engine only reads rules; trigger_count and last_trigger_time on the
// rule row are advanced by the action executor after a confirmed firing.
type AutomationRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DTableUUID   string `gorm:"column:dtable_uuid;type:varchar(36);not null;index"` // Owning dtable identity.
	RunCondition string `gorm:"type:varchar(20);not null;index"`                    // per_update / per_day / per_week / per_month.

	Trigger datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Opaque trigger condition description.
	Actions datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Ordered opaque action descriptions.

	LastTriggerTime *time.Time `gorm:"index"`              // Last confirmed firing, NULL before the first one.
	TriggerCount    int64      `gorm:"not null;default:0"` // Lifetime firing counter on the rule row.

	OrgID   int64  `gorm:"column:org_id;not null;default:-1"` // -1 when owned by an individual user.
	Creator string `gorm:"type:varchar(255);not null"`        // Username of the rule creator.

	IsValid bool `gorm:"not null;default:true"`  // Cleared by the rule-management surface.
	IsPause bool `gorm:"not null;default:false"` // Paused rules never fire.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (AutomationRule) TableName() string {
	return "dtable_automation_rules"
}
