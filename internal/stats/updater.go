// Package stats recomputes the monthly quota exceeded flags: once a day
// it compares every tenant's trigger count against the tenant's resolved
// limit and marks the ones over it.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dtable-io/automationd/internal/ledger"
	"github.com/dtable-io/automationd/internal/models"
	"github.com/dtable-io/automationd/internal/roles"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultRunAt is the daily wall-clock time the updater fires at.
const DefaultRunAt = "00:52"

const overrideBatchSize = 1000

// Status is a point-in-time snapshot of the updater for health reporting.
type Status struct {
	Running   bool      `json:"running"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Updater runs the daily exceed-flag recomputation.
//
// Limit resolution per tenant: an explicit override of NULL disables
// enforcement entirely; an override <= 0 defers to the tenant role's
// default, zero included, since the platform treats an explicit zero as
// "role-configured" rather than "no firings allowed"; any positive
// override is the cap. Role defaults come from one directory snapshot per
// run, with negative meaning unlimited.
type Updater struct {
	db        *gorm.DB
	ledger    *ledger.Store
	directory roles.Directory
	runAt     string
	pageSize  int
	now       func() time.Time

	mu     sync.Mutex
	status Status
}

// NewUpdater constructs the daily stats updater. runAt is "HH:MM" in
// local time; empty means DefaultRunAt.
func NewUpdater(db *gorm.DB, store *ledger.Store, directory roles.Directory, runAt string) *Updater {
	if db == nil || store == nil {
		return nil
	}
	if runAt == "" {
		runAt = DefaultRunAt
	}
	return &Updater{
		db:        db,
		ledger:    store,
		directory: directory,
		runAt:     runAt,
		pageSize:  ledger.DefaultPageSize,
		now:       time.Now,
	}
}

// Start launches the daily loop in a background goroutine.
func (u *Updater) Start(ctx context.Context) {
	if u == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	u.setRunning(true)
	go u.run(ctx)
	log.Infof("stats updater started (daily at %s)", u.runAt)
}

func (u *Updater) run(ctx context.Context) {
	defer u.setRunning(false)
	for {
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(u.untilNextRun())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		u.UpdateOnce(ctx)
	}
}

func (u *Updater) untilNextRun() time.Duration {
	now := u.now()
	hour, minute := parseRunAt(u.runAt)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func parseRunAt(runAt string) (int, int) {
	var hour, minute int
	if _, err := fmt.Sscanf(runAt, "%d:%d", &hour, &minute); err != nil {
		return 0, 52
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 52
	}
	return hour, minute
}

// UpdateOnce runs one recomputation: one role snapshot, then the user and
// organization passes. The passes are independent; a failure in one is
// logged and does not prevent the other, and no failure escapes to kill
// the daily loop.
func (u *Updater) UpdateOnce(ctx context.Context) {
	if u == nil || u.db == nil {
		return
	}
	start := u.now()
	snapshot := roles.FetchOrEmpty(ctx, u.directory)

	var firstErr error
	if errUsers := u.updateUserStats(ctx, snapshot); errUsers != nil {
		log.WithError(errUsers).Error("stats updater: user pass failed")
		firstErr = errUsers
	}
	if errOrgs := u.updateOrgStats(ctx, snapshot); errOrgs != nil {
		log.WithError(errOrgs).Error("stats updater: org pass failed")
		if firstErr == nil {
			firstErr = errOrgs
		}
	}
	u.recordRun(start, firstErr)
}

func (u *Updater) updateUserStats(ctx context.Context, snapshot map[string]roles.Role) error {
	month := ledger.MonthOf(u.now())

	counts := make(map[string]int64)
	var usernames []string
	cursor := u.ledger.UserStats(month, 0, u.pageSize)
	for {
		rows, errPage := cursor.Next(ctx)
		if errPage != nil {
			return errPage
		}
		if rows == nil {
			break
		}
		for _, row := range rows {
			counts[row.Username] = row.TriggerCount
			usernames = append(usernames, row.Username)
		}
	}
	log.Debugf("stats updater: %d users with firings in %s", len(usernames), month)

	overrides := make(map[string]*int64, len(usernames))
	for start := 0; start < len(usernames); start += overrideBatchSize {
		end := start + overrideBatchSize
		if end > len(usernames) {
			end = len(usernames)
		}
		var quotaRows []models.UserQuota
		if errFind := u.db.WithContext(ctx).
			Where("username IN ?", usernames[start:end]).
			Find(&quotaRows).Error; errFind != nil {
			return fmt.Errorf("stats: user quota overrides: %w", errFind)
		}
		for _, quota := range quotaRows {
			overrides[quota.Username] = quota.AutoRulesLimitPerMonth
		}
	}

	var exceeded []string
	var needRole []string
	for _, username := range usernames {
		override, hasRow := overrides[username]
		if !hasRow {
			needRole = append(needRole, username)
			continue
		}
		if override == nil {
			// Enforcement explicitly off for this tenant.
			continue
		}
		if *override <= 0 {
			needRole = append(needRole, username)
			continue
		}
		if counts[username] >= *override {
			exceeded = append(exceeded, username)
		}
	}
	log.Debugf("stats updater: %d users need role-based limits", len(needRole))

	for start := 0; start < len(needRole); start += overrideBatchSize {
		end := start + overrideBatchSize
		if end > len(needRole) {
			end = len(needRole)
		}
		var roleRows []models.UserRole
		if errFind := u.db.WithContext(ctx).
			Where("email IN ?", needRole[start:end]).
			Find(&roleRows).Error; errFind != nil {
			return fmt.Errorf("stats: user roles: %w", errFind)
		}
		for _, roleRow := range roleRows {
			limit := roles.LimitFor(snapshot, roleRow.Role)
			if limit < 0 {
				continue
			}
			if counts[roleRow.Email] >= limit {
				exceeded = append(exceeded, roleRow.Email)
			}
		}
	}

	if len(exceeded) == 0 {
		return nil
	}
	return u.ledger.MarkUsersExceeded(ctx, exceeded, month)
}

func (u *Updater) updateOrgStats(ctx context.Context, snapshot map[string]roles.Role) error {
	month := ledger.MonthOf(u.now())

	counts := make(map[int64]int64)
	var orgIDs []int64
	cursor := u.ledger.OrgStats(month, 0, u.pageSize)
	for {
		rows, errPage := cursor.Next(ctx)
		if errPage != nil {
			return errPage
		}
		if rows == nil {
			break
		}
		for _, row := range rows {
			counts[row.OrgID] = row.TriggerCount
			orgIDs = append(orgIDs, row.OrgID)
		}
	}
	log.Debugf("stats updater: %d orgs with firings in %s", len(orgIDs), month)

	overrides := make(map[int64]*int64, len(orgIDs))
	for start := 0; start < len(orgIDs); start += overrideBatchSize {
		end := start + overrideBatchSize
		if end > len(orgIDs) {
			end = len(orgIDs)
		}
		var quotaRows []models.OrgQuota
		if errFind := u.db.WithContext(ctx).
			Where("org_id IN ?", orgIDs[start:end]).
			Find(&quotaRows).Error; errFind != nil {
			return fmt.Errorf("stats: org quota overrides: %w", errFind)
		}
		for _, quota := range quotaRows {
			overrides[quota.OrgID] = quota.AutoRulesLimitPerMonth
		}
	}

	var exceeded []int64
	var needRole []int64
	for _, orgID := range orgIDs {
		override, hasRow := overrides[orgID]
		if !hasRow {
			needRole = append(needRole, orgID)
			continue
		}
		if override == nil {
			continue
		}
		if *override <= 0 {
			needRole = append(needRole, orgID)
			continue
		}
		if counts[orgID] >= *override {
			exceeded = append(exceeded, orgID)
		}
	}
	log.Debugf("stats updater: %d orgs need role-based limits", len(needRole))

	for start := 0; start < len(needRole); start += overrideBatchSize {
		end := start + overrideBatchSize
		if end > len(needRole) {
			end = len(needRole)
		}
		var roleRows []models.OrgSettings
		if errFind := u.db.WithContext(ctx).
			Where("org_id IN ?", needRole[start:end]).
			Find(&roleRows).Error; errFind != nil {
			return fmt.Errorf("stats: org roles: %w", errFind)
		}
		for _, roleRow := range roleRows {
			limit := roles.LimitFor(snapshot, roleRow.Role)
			if limit < 0 {
				continue
			}
			if counts[roleRow.OrgID] >= limit {
				exceeded = append(exceeded, roleRow.OrgID)
			}
		}
	}

	if len(exceeded) == 0 {
		return nil
	}
	return u.ledger.MarkOrgsExceeded(ctx, exceeded, month)
}

// Status returns a snapshot for health reporting.
func (u *Updater) Status() Status {
	if u == nil {
		return Status{}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Updater) setRunning(running bool) {
	u.mu.Lock()
	u.status.Running = running
	u.mu.Unlock()
}

func (u *Updater) recordRun(at time.Time, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status.LastRunAt = at
	if err != nil {
		u.status.LastError = err.Error()
	} else {
		u.status.LastError = ""
	}
}
