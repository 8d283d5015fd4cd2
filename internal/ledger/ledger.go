// Package ledger maintains the per-tenant monthly firing counters and
// exceeded flags backing automation-rule quota enforcement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtable-io/automationd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxBatchKeys bounds IN-clause and bulk-update sizes.
const MaxBatchKeys = 1000

// MonthOf formats the calendar month a firing at t belongs to.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentMonth returns the calendar month of the current wall-clock time.
func CurrentMonth() string {
	return MonthOf(time.Now())
}

// Store reads and writes the monthly quota ledger.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a ledger store backed by GORM.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// IncrementUser adds one firing to a user's counter for the given month.
// The row is created lazily on first firing. The increment is a single
// upsert statement so concurrent firings for the same tenant cannot lose
// updates.
func (s *Store) IncrementUser(ctx context.Context, username, month string) error {
	if s == nil || s.db == nil {
		return errors.New("ledger: store not initialized")
	}
	row := models.UserMonthlyStats{Username: username, Month: month, TriggerCount: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "month"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"trigger_count": gorm.Expr("trigger_count + 1")}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ledger: increment user %s: %w", username, err)
	}
	return nil
}

// IncrementOrg adds one firing to an organization's counter for the given month.
func (s *Store) IncrementOrg(ctx context.Context, orgID int64, month string) error {
	if s == nil || s.db == nil {
		return errors.New("ledger: store not initialized")
	}
	row := models.OrgMonthlyStats{OrgID: orgID, Month: month, TriggerCount: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "month"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"trigger_count": gorm.Expr("trigger_count + 1")}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ledger: increment org %d: %w", orgID, err)
	}
	return nil
}

// UserExceeded reports whether a user's quota is marked exceeded for the
// month. A missing row means the user has not fired yet and is not exceeded.
func (s *Store) UserExceeded(ctx context.Context, username, month string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("ledger: store not initialized")
	}
	var row models.UserMonthlyStats
	err := s.db.WithContext(ctx).
		Select("is_exceed").
		Where("username = ? AND month = ?", username, month).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: user %s exceed lookup: %w", username, err)
	}
	return row.IsExceed, nil
}

// OrgExceeded reports whether an organization's quota is marked exceeded
// for the month.
func (s *Store) OrgExceeded(ctx context.Context, orgID int64, month string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("ledger: store not initialized")
	}
	var row models.OrgMonthlyStats
	err := s.db.WithContext(ctx).
		Select("is_exceed").
		Where("org_id = ? AND month = ?", orgID, month).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: org %d exceed lookup: %w", orgID, err)
	}
	return row.IsExceed, nil
}

// ExceededUsers returns which of the given users are marked exceeded for
// the month. Lookups run in IN-batches of MaxBatchKeys.
func (s *Store) ExceededUsers(ctx context.Context, usernames []string, month string) (map[string]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger: store not initialized")
	}
	exceeded := make(map[string]struct{})
	for _, batch := range chunk(usernames, MaxBatchKeys) {
		var rows []models.UserMonthlyStats
		err := s.db.WithContext(ctx).
			Select("username").
			Where("username IN ? AND month = ? AND is_exceed = ?", batch, month, true).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("ledger: exceeded users lookup: %w", err)
		}
		for _, row := range rows {
			exceeded[row.Username] = struct{}{}
		}
	}
	return exceeded, nil
}

// ExceededOrgs returns which of the given organizations are marked exceeded
// for the month.
func (s *Store) ExceededOrgs(ctx context.Context, orgIDs []int64, month string) (map[int64]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger: store not initialized")
	}
	exceeded := make(map[int64]struct{})
	for _, batch := range chunk(orgIDs, MaxBatchKeys) {
		var rows []models.OrgMonthlyStats
		err := s.db.WithContext(ctx).
			Select("org_id").
			Where("org_id IN ? AND month = ? AND is_exceed = ?", batch, month, true).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("ledger: exceeded orgs lookup: %w", err)
		}
		for _, row := range rows {
			exceeded[row.OrgID] = struct{}{}
		}
	}
	return exceeded, nil
}

// MarkUsersExceeded sets is_exceed for the given users, in bulk-update
// batches of MaxBatchKeys. Each batch is its own statement, so a failure
// partway leaves earlier batches durable.
func (s *Store) MarkUsersExceeded(ctx context.Context, usernames []string, month string) error {
	if s == nil || s.db == nil {
		return errors.New("ledger: store not initialized")
	}
	for _, batch := range chunk(usernames, MaxBatchKeys) {
		err := s.db.WithContext(ctx).
			Model(&models.UserMonthlyStats{}).
			Where("username IN ? AND month = ?", batch, month).
			Update("is_exceed", true).Error
		if err != nil {
			return fmt.Errorf("ledger: mark users exceeded: %w", err)
		}
	}
	return nil
}

// MarkOrgsExceeded sets is_exceed for the given organizations, batched the
// same way as MarkUsersExceeded.
func (s *Store) MarkOrgsExceeded(ctx context.Context, orgIDs []int64, month string) error {
	if s == nil || s.db == nil {
		return errors.New("ledger: store not initialized")
	}
	for _, batch := range chunk(orgIDs, MaxBatchKeys) {
		err := s.db.WithContext(ctx).
			Model(&models.OrgMonthlyStats{}).
			Where("org_id IN ? AND month = ?", batch, month).
			Update("is_exceed", true).Error
		if err != nil {
			return fmt.Errorf("ledger: mark orgs exceeded: %w", err)
		}
	}
	return nil
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
