package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dtable-io/automationd/internal/ledger"
	"github.com/dtable-io/automationd/internal/models"
	"github.com/dtable-io/automationd/internal/roles"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fixedDirectory struct {
	snapshot map[string]roles.Role
	err      error
}

func (d *fixedDirectory) Roles(ctx context.Context) (map[string]roles.Role, error) {
	return d.snapshot, d.err
}

func setupStatsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:stats_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	errMigrate := conn.AutoMigrate(
		&models.UserMonthlyStats{},
		&models.OrgMonthlyStats{},
		&models.UserQuota{},
		&models.OrgQuota{},
		&models.UserRole{},
		&models.OrgSettings{},
	)
	if errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func newTestUpdater(t *testing.T, conn *gorm.DB, dir roles.Directory) *Updater {
	t.Helper()
	u := NewUpdater(conn, ledger.NewStore(conn), dir, "")
	if u == nil {
		t.Fatal("updater must construct")
	}
	return u
}

func seedUserCount(t *testing.T, conn *gorm.DB, username string, count int64) {
	t.Helper()
	row := models.UserMonthlyStats{Username: username, Month: ledger.CurrentMonth(), TriggerCount: count}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed user stats: %v", errCreate)
	}
}

func seedOrgCount(t *testing.T, conn *gorm.DB, orgID, count int64) {
	t.Helper()
	row := models.OrgMonthlyStats{OrgID: orgID, Month: ledger.CurrentMonth(), TriggerCount: count}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed org stats: %v", errCreate)
	}
}

func userExceedFlag(t *testing.T, conn *gorm.DB, username string) bool {
	t.Helper()
	var row models.UserMonthlyStats
	if errFind := conn.Where("username = ? AND month = ?", username, ledger.CurrentMonth()).First(&row).Error; errFind != nil {
		t.Fatalf("find user stats: %v", errFind)
	}
	return row.IsExceed
}

func orgExceedFlag(t *testing.T, conn *gorm.DB, orgID int64) bool {
	t.Helper()
	var row models.OrgMonthlyStats
	if errFind := conn.Where("org_id = ? AND month = ?", orgID, ledger.CurrentMonth()).First(&row).Error; errFind != nil {
		t.Fatalf("find org stats: %v", errFind)
	}
	return row.IsExceed
}

func int64Ptr(v int64) *int64 { return &v }

func TestUpdateOnceFlagsUserOverExplicitOverride(t *testing.T) {
	conn := setupStatsDB(t)
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: map[string]roles.Role{}})

	seedUserCount(t, conn, "over@example.com", 100)
	seedUserCount(t, conn, "under@example.com", 99)
	quotas := []models.UserQuota{
		{Username: "over@example.com", AutoRulesLimitPerMonth: int64Ptr(100)},
		{Username: "under@example.com", AutoRulesLimitPerMonth: int64Ptr(100)},
	}
	if errCreate := conn.Create(&quotas).Error; errCreate != nil {
		t.Fatalf("seed quotas: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if !userExceedFlag(t, conn, "over@example.com") {
		t.Fatal("count == override must be flagged")
	}
	if userExceedFlag(t, conn, "under@example.com") {
		t.Fatal("count below override must not be flagged")
	}
}

func TestUpdateOnceNullOverrideDisablesEnforcement(t *testing.T) {
	conn := setupStatsDB(t)
	snapshot := map[string]roles.Role{"default": {AutomationRulesLimitPerMonth: 10}}
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: snapshot})

	seedUserCount(t, conn, "unmetered@example.com", 100000)
	quota := models.UserQuota{Username: "unmetered@example.com", AutoRulesLimitPerMonth: nil}
	if errCreate := conn.Create(&quota).Error; errCreate != nil {
		t.Fatalf("seed quota: %v", errCreate)
	}
	// A role row exists but must never be consulted for a NULL override.
	role := models.UserRole{Email: "unmetered@example.com", Role: "default"}
	if errCreate := conn.Create(&role).Error; errCreate != nil {
		t.Fatalf("seed role: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if userExceedFlag(t, conn, "unmetered@example.com") {
		t.Fatal("NULL override means no enforcement")
	}
}

func TestUpdateOnceZeroOverrideDefersToRole(t *testing.T) {
	conn := setupStatsDB(t)
	snapshot := map[string]roles.Role{"org_default": {AutomationRulesLimitPerMonth: 500}}
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: snapshot})

	seedOrgCount(t, conn, 42, 600)
	quota := models.OrgQuota{OrgID: 42, AutoRulesLimitPerMonth: int64Ptr(0)}
	if errCreate := conn.Create(&quota).Error; errCreate != nil {
		t.Fatalf("seed quota: %v", errCreate)
	}
	settings := models.OrgSettings{OrgID: 42, Role: "org_default"}
	if errCreate := conn.Create(&settings).Error; errCreate != nil {
		t.Fatalf("seed settings: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if !orgExceedFlag(t, conn, 42) {
		t.Fatal("zero override must fall through to the 500-cap role")
	}
}

func TestUpdateOnceMissingOverrideUsesRole(t *testing.T) {
	conn := setupStatsDB(t)
	snapshot := map[string]roles.Role{"guest": {AutomationRulesLimitPerMonth: 50}}
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: snapshot})

	seedUserCount(t, conn, "guest@example.com", 50)
	role := models.UserRole{Email: "guest@example.com", Role: "guest"}
	if errCreate := conn.Create(&role).Error; errCreate != nil {
		t.Fatalf("seed role: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if !userExceedFlag(t, conn, "guest@example.com") {
		t.Fatal("tenant without an override row must be capped by its role")
	}
}

func TestUpdateOnceNegativeRoleLimitIsUnlimited(t *testing.T) {
	conn := setupStatsDB(t)
	snapshot := map[string]roles.Role{"pro": {AutomationRulesLimitPerMonth: -1}}
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: snapshot})

	seedUserCount(t, conn, "pro@example.com", 1000000)
	role := models.UserRole{Email: "pro@example.com", Role: "pro"}
	if errCreate := conn.Create(&role).Error; errCreate != nil {
		t.Fatalf("seed role: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if userExceedFlag(t, conn, "pro@example.com") {
		t.Fatal("negative role limit means unlimited")
	}
}

func TestUpdateOnceUnknownRoleIsUnlimited(t *testing.T) {
	conn := setupStatsDB(t)
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: map[string]roles.Role{}})

	seedUserCount(t, conn, "someone@example.com", 1000000)
	role := models.UserRole{Email: "someone@example.com", Role: "unheard_of"}
	if errCreate := conn.Create(&role).Error; errCreate != nil {
		t.Fatalf("seed role: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if userExceedFlag(t, conn, "someone@example.com") {
		t.Fatal("roles absent from the snapshot must not cap anyone")
	}
}

func TestUpdateOnceIsIdempotent(t *testing.T) {
	conn := setupStatsDB(t)
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: map[string]roles.Role{}})

	seedUserCount(t, conn, "over@example.com", 200)
	quota := models.UserQuota{Username: "over@example.com", AutoRulesLimitPerMonth: int64Ptr(100)}
	if errCreate := conn.Create(&quota).Error; errCreate != nil {
		t.Fatalf("seed quota: %v", errCreate)
	}

	u.UpdateOnce(context.Background())
	u.UpdateOnce(context.Background())

	if !userExceedFlag(t, conn, "over@example.com") {
		t.Fatal("flag must survive a second run")
	}
	var rows int64
	if errCount := conn.Model(&models.UserMonthlyStats{}).Count(&rows).Error; errCount != nil {
		t.Fatalf("count rows: %v", errCount)
	}
	if rows != 1 {
		t.Fatalf("reruns must not create rows, got %d", rows)
	}
}

func TestUpdateOncePassesAreIndependent(t *testing.T) {
	conn := setupStatsDB(t)
	u := newTestUpdater(t, conn, &fixedDirectory{snapshot: map[string]roles.Role{}})

	seedOrgCount(t, conn, 42, 200)
	quota := models.OrgQuota{OrgID: 42, AutoRulesLimitPerMonth: int64Ptr(100)}
	if errCreate := conn.Create(&quota).Error; errCreate != nil {
		t.Fatalf("seed quota: %v", errCreate)
	}

	// Break only the user pass; the org pass must still run.
	if errDrop := conn.Migrator().DropTable(&models.UserMonthlyStats{}); errDrop != nil {
		t.Fatalf("drop table: %v", errDrop)
	}

	u.UpdateOnce(context.Background())

	if !orgExceedFlag(t, conn, 42) {
		t.Fatal("org pass must complete despite the user pass failing")
	}
	if u.Status().LastError == "" {
		t.Fatal("the user pass failure must surface in status")
	}
}

func TestUpdateOnceDirectoryFailureDegradesToUnlimited(t *testing.T) {
	conn := setupStatsDB(t)
	u := newTestUpdater(t, conn, &fixedDirectory{err: context.DeadlineExceeded})

	seedUserCount(t, conn, "someone@example.com", 1000000)
	role := models.UserRole{Email: "someone@example.com", Role: "default"}
	if errCreate := conn.Create(&role).Error; errCreate != nil {
		t.Fatalf("seed role: %v", errCreate)
	}

	u.UpdateOnce(context.Background())

	if userExceedFlag(t, conn, "someone@example.com") {
		t.Fatal("an unreachable directory must not flag anyone")
	}
}

func TestParseRunAt(t *testing.T) {
	cases := []struct {
		in     string
		hour   int
		minute int
	}{
		{"00:52", 0, 52},
		{"13:05", 13, 5},
		{"garbage", 0, 52},
		{"25:00", 0, 52},
	}
	for _, tc := range cases {
		hour, minute := parseRunAt(tc.in)
		if hour != tc.hour || minute != tc.minute {
			t.Fatalf("parseRunAt(%q) = %d:%d, want %d:%d", tc.in, hour, minute, tc.hour, tc.minute)
		}
	}
}
