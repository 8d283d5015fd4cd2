package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dtable-io/automationd/internal/models"
)

// DefaultPageSize is the page size stats cursors use unless overridden.
const DefaultPageSize = 1000

// UserStatsCursor streams a month's user ledger rows in stable id order
// using keyset pagination. A cursor can be rebuilt from the last id it
// returned, so consumers may checkpoint and resume mid-scan.
type UserStatsCursor struct {
	store    *Store
	month    string
	pageSize int
	afterID  uint64
	done     bool
}

// UserStats opens a cursor over the month's user ledger rows starting
// after the given row id (0 for the beginning).
func (s *Store) UserStats(month string, afterID uint64, pageSize int) *UserStatsCursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &UserStatsCursor{store: s, month: month, pageSize: pageSize, afterID: afterID}
}

// Next returns the next page of rows. It returns a nil slice once the
// scan is complete; the final page may be shorter than the page size.
func (c *UserStatsCursor) Next(ctx context.Context) ([]models.UserMonthlyStats, error) {
	if c == nil || c.store == nil || c.store.db == nil {
		return nil, errors.New("ledger: cursor not initialized")
	}
	if c.done {
		return nil, nil
	}
	var rows []models.UserMonthlyStats
	err := c.store.db.WithContext(ctx).
		Where("month = ? AND id > ?", c.month, c.afterID).
		Order("id ASC").
		Limit(c.pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: user stats page after id %d: %w", c.afterID, err)
	}
	if len(rows) == 0 {
		c.done = true
		return nil, nil
	}
	c.afterID = rows[len(rows)-1].ID
	if len(rows) < c.pageSize {
		c.done = true
	}
	return rows, nil
}

// LastID returns the id of the last row handed out, usable as a resume
// checkpoint for a fresh cursor.
func (c *UserStatsCursor) LastID() uint64 {
	if c == nil {
		return 0
	}
	return c.afterID
}

// OrgStatsCursor streams a month's organization ledger rows the same way
// UserStatsCursor does for users.
type OrgStatsCursor struct {
	store    *Store
	month    string
	pageSize int
	afterID  uint64
	done     bool
}

// OrgStats opens a cursor over the month's organization ledger rows.
func (s *Store) OrgStats(month string, afterID uint64, pageSize int) *OrgStatsCursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &OrgStatsCursor{store: s, month: month, pageSize: pageSize, afterID: afterID}
}

// Next returns the next page of rows, nil once the scan is complete.
func (c *OrgStatsCursor) Next(ctx context.Context) ([]models.OrgMonthlyStats, error) {
	if c == nil || c.store == nil || c.store.db == nil {
		return nil, errors.New("ledger: cursor not initialized")
	}
	if c.done {
		return nil, nil
	}
	var rows []models.OrgMonthlyStats
	err := c.store.db.WithContext(ctx).
		Where("month = ? AND id > ?", c.month, c.afterID).
		Order("id ASC").
		Limit(c.pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: org stats page after id %d: %w", c.afterID, err)
	}
	if len(rows) == 0 {
		c.done = true
		return nil, nil
	}
	c.afterID = rows[len(rows)-1].ID
	if len(rows) < c.pageSize {
		c.done = true
	}
	return rows, nil
}

// LastID returns the id of the last row handed out.
func (c *OrgStatsCursor) LastID() uint64 {
	if c == nil {
		return 0
	}
	return c.afterID
}
