package db

import (
	"fmt"

	"github.com/dtable-io/automationd/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables the engine reads and writes.
//
// The rule, dtable, workspace, quota and role tables are owned by the
// platform's web application in production; migrating them here keeps
// development and test databases self-contained.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.AutomationRule{},
		&models.DTable{},
		&models.Workspace{},
		&models.UserMonthlyStats{},
		&models.OrgMonthlyStats{},
		&models.UserQuota{},
		&models.OrgQuota{},
		&models.UserRole{},
		&models.OrgSettings{},
	)
}
