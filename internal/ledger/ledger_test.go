package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dtable-io/automationd/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.UserMonthlyStats{}, &models.OrgMonthlyStats{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestMonthOfFormatsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, loc) // 2026-02-28 17:00 UTC
	if got := MonthOf(at); got != "2026-02" {
		t.Fatalf("expected 2026-02, got %s", got)
	}
}

func TestIncrementUserCreatesRowLazily(t *testing.T) {
	conn := setupLedgerDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	if errInc := store.IncrementUser(ctx, "alice@example.com", "2026-08"); errInc != nil {
		t.Fatalf("increment: %v", errInc)
	}

	var row models.UserMonthlyStats
	if errFind := conn.Where("username = ? AND month = ?", "alice@example.com", "2026-08").First(&row).Error; errFind != nil {
		t.Fatalf("find row: %v", errFind)
	}
	if row.TriggerCount != 1 {
		t.Fatalf("expected trigger_count 1, got %d", row.TriggerCount)
	}
	if row.IsExceed {
		t.Fatal("new row must not be exceeded")
	}
}

func TestIncrementUserAccumulates(t *testing.T) {
	conn := setupLedgerDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if errInc := store.IncrementUser(ctx, "alice@example.com", "2026-08"); errInc != nil {
			t.Fatalf("increment %d: %v", i, errInc)
		}
	}

	var row models.UserMonthlyStats
	if errFind := conn.Where("username = ?", "alice@example.com").First(&row).Error; errFind != nil {
		t.Fatalf("find row: %v", errFind)
	}
	if row.TriggerCount != 5 {
		t.Fatalf("expected trigger_count 5, got %d", row.TriggerCount)
	}
}

func TestIncrementKeepsMonthsSeparate(t *testing.T) {
	conn := setupLedgerDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	if errInc := store.IncrementOrg(ctx, 42, "2026-07"); errInc != nil {
		t.Fatalf("increment july: %v", errInc)
	}
	if errInc := store.IncrementOrg(ctx, 42, "2026-08"); errInc != nil {
		t.Fatalf("increment august: %v", errInc)
	}

	var count int64
	if errCount := conn.Model(&models.OrgMonthlyStats{}).Where("org_id = ?", 42).Count(&count).Error; errCount != nil {
		t.Fatalf("count rows: %v", errCount)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestExceededUsersOnlyReturnsFlaggedForMonth(t *testing.T) {
	conn := setupLedgerDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	rows := []models.UserMonthlyStats{
		{Username: "over@example.com", Month: "2026-08", TriggerCount: 500, IsExceed: true},
		{Username: "under@example.com", Month: "2026-08", TriggerCount: 3},
		{Username: "lastmonth@example.com", Month: "2026-07", TriggerCount: 500, IsExceed: true},
	}
	if errCreate := conn.Create(&rows).Error; errCreate != nil {
		t.Fatalf("create rows: %v", errCreate)
	}

	exceeded, errLookup := store.ExceededUsers(ctx, []string{"over@example.com", "under@example.com", "lastmonth@example.com", "absent@example.com"}, "2026-08")
	if errLookup != nil {
		t.Fatalf("exceeded users: %v", errLookup)
	}
	if len(exceeded) != 1 {
		t.Fatalf("expected 1 exceeded user, got %d", len(exceeded))
	}
	if _, ok := exceeded["over@example.com"]; !ok {
		t.Fatal("over@example.com missing from exceeded set")
	}
}

func TestUserExceededMissingRowMeansNotExceeded(t *testing.T) {
	conn := setupLedgerDB(t)
	store := NewStore(conn)

	exceeded, errLookup := store.UserExceeded(context.Background(), "nobody@example.com", "2026-08")
	if errLookup != nil {
		t.Fatalf("expected no error for missing row, got %v", errLookup)
	}
	if exceeded {
		t.Fatal("missing row must not report exceeded")
	}
}

func TestMarkOrgsExceededRunsInBoundedBatches(t *testing.T) {
	conn := setupLedgerDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	const tenants = 2500
	rows := make([]models.OrgMonthlyStats, 0, tenants)
	ids := make([]int64, 0, tenants)
	for i := 1; i <= tenants; i++ {
		rows = append(rows, models.OrgMonthlyStats{OrgID: int64(i), Month: "2026-08", TriggerCount: 100})
		ids = append(ids, int64(i))
	}
	if errCreate := conn.CreateInBatches(&rows, 500).Error; errCreate != nil {
		t.Fatalf("create rows: %v", errCreate)
	}

	updates := 0
	errCallback := conn.Callback().Update().After("gorm:update").Register("test:count_updates", func(tx *gorm.DB) {
		updates++
	})
	if errCallback != nil {
		t.Fatalf("register callback: %v", errCallback)
	}

	if errMark := store.MarkOrgsExceeded(ctx, ids, "2026-08"); errMark != nil {
		t.Fatalf("mark orgs exceeded: %v", errMark)
	}
	if updates != 3 {
		t.Fatalf("expected 3 update batches for 2500 tenants, got %d", updates)
	}

	var marked int64
	if errCount := conn.Model(&models.OrgMonthlyStats{}).Where("month = ? AND is_exceed = ?", "2026-08", true).Count(&marked).Error; errCount != nil {
		t.Fatalf("count marked: %v", errCount)
	}
	if marked != tenants {
		t.Fatalf("expected %d marked rows, got %d", tenants, marked)
	}
}
