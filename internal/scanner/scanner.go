// Package scanner finds recurring automation rules whose interval has
// elapsed and fires the ones whose tenants are under quota.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtable-io/automationd/internal/dispatch"
	"github.com/dtable-io/automationd/internal/ledger"
	"github.com/dtable-io/automationd/internal/metacache"
	"github.com/dtable-io/automationd/internal/models"
	"github.com/dtable-io/automationd/internal/tenancy"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Interval cutoffs run slightly short of the nominal period so a sweep an
// hour early never skips a cycle; the monthly cutoff tolerates February.
const (
	perDayCutoff   = 23 * time.Hour
	perWeekCutoff  = 6 * 24 * time.Hour
	perMonthCutoff = 27 * 24 * time.Hour
)

const defaultSweepInterval = time.Hour

// Status is a point-in-time snapshot of the scanner for health reporting.
type Status struct {
	Running        bool      `json:"running"`
	LastSweepAt    time.Time `json:"last_sweep_at"`
	LastCandidates int       `json:"last_candidates"`
	LastError      string    `json:"last_error,omitempty"`
}

// Scanner sweeps interval rules once per hour, aligned to the interval
// boundary.
type Scanner struct {
	db         *gorm.DB
	ledger     *ledger.Store
	dispatcher *dispatch.Dispatcher
	fetch      metacache.Fetcher
	interval   time.Duration
	now        func() time.Time

	mu     sync.Mutex
	status Status
}

// NewScanner constructs the hourly rule scanner.
func NewScanner(db *gorm.DB, store *ledger.Store, dispatcher *dispatch.Dispatcher, fetch metacache.Fetcher) *Scanner {
	if db == nil || store == nil || dispatcher == nil {
		return nil
	}
	return &Scanner{
		db:         db,
		ledger:     store,
		dispatcher: dispatcher,
		fetch:      fetch,
		interval:   defaultSweepInterval,
		now:        time.Now,
	}
}

// Start launches the sweep loop in a background goroutine. The loop exits
// when ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.setRunning(true)
	go s.run(ctx)
	log.Infof("rule scanner started (interval=%s)", s.interval)
}

func (s *Scanner) run(ctx context.Context) {
	defer s.setRunning(false)
	for {
		if ctx.Err() != nil {
			return
		}
		now := s.now()
		next := now.Truncate(s.interval).Add(s.interval)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if errSweep := s.SweepOnce(ctx); errSweep != nil {
			log.WithError(errSweep).Error("rule scanner: sweep failed")
		}
	}
}

// SweepOnce performs one full scan cycle: select due interval rules, drop
// the ones owned by exceeded tenants, and fire the rest. Per-rule firing
// failures are logged and do not abort the sweep.
func (s *Scanner) SweepOnce(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("scanner: not initialized")
	}

	start := s.now()
	rules, err := s.dueRules(ctx, start)
	if err != nil {
		s.recordSweep(start, 0, err)
		return err
	}

	exceedUUIDs, err := s.exceededDTables(ctx, rules, ledger.MonthOf(start))
	if err != nil {
		s.recordSweep(start, len(rules), err)
		return err
	}

	// One metadata fetch per base for the whole sweep. The cache is never
	// persisted: interval rules must observe current data each run.
	cache := metacache.NewIntervalCache(s.fetch)

	fired := 0
	for i := range rules {
		rule := &rules[i]
		if _, skip := exceedUUIDs[rule.DTableUUID]; skip {
			continue
		}
		if errDispatch := s.dispatcher.Dispatch(ctx, rule, nil, cache, nil); errDispatch != nil {
			log.WithError(errDispatch).Errorf("rule scanner: rule %d firing failed", rule.ID)
			continue
		}
		fired++
	}

	log.Infof("rule scanner: sweep done (candidates=%d fired=%d skipped_exceeded=%d bases_cached=%d)",
		len(rules), fired, len(rules)-fired, cache.Len())
	s.recordSweep(start, len(rules), nil)
	return nil
}

// dueRules selects valid, unpaused interval rules of live dtables whose
// last firing is NULL or older than the matching cutoff.
func (s *Scanner) dueRules(ctx context.Context, now time.Time) ([]models.AutomationRule, error) {
	cutoffDay := now.UTC().Add(-perDayCutoff)
	cutoffWeek := now.UTC().Add(-perWeekCutoff)
	cutoffMonth := now.UTC().Add(-perMonthCutoff)

	var rules []models.AutomationRule
	conditions := s.db.
		Where("run_condition = ? AND (last_trigger_time IS NULL OR last_trigger_time < ?)", models.RunConditionPerDay, cutoffDay).
		Or("run_condition = ? AND (last_trigger_time IS NULL OR last_trigger_time < ?)", models.RunConditionPerWeek, cutoffWeek).
		Or("run_condition = ? AND (last_trigger_time IS NULL OR last_trigger_time < ?)", models.RunConditionPerMonth, cutoffMonth)
	err := s.db.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Select("dtable_automation_rules.*").
		Joins("JOIN dtables ON dtables.uuid = dtable_automation_rules.dtable_uuid").
		Where("dtable_automation_rules.is_valid = ? AND dtable_automation_rules.is_pause = ? AND dtables.deleted = ?", true, false, false).
		Where(conditions).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("scanner: select due rules: %w", err)
	}
	return rules, nil
}

// exceededDTables resolves each candidate's tenant and returns the set of
// dtable uuids belonging to a tenant marked exceeded for the month.
func (s *Scanner) exceededDTables(ctx context.Context, rules []models.AutomationRule, month string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(rules))
	uuids := make([]string, 0, len(rules))
	for _, rule := range rules {
		if _, ok := seen[rule.DTableUUID]; ok {
			continue
		}
		seen[rule.DTableUUID] = struct{}{}
		uuids = append(uuids, rule.DTableUUID)
	}

	tenants, err := tenancy.ResolveBatch(ctx, s.db, uuids)
	if err != nil {
		return nil, err
	}

	userDTables := make(map[string][]string)
	orgDTables := make(map[int64][]string)
	var usernames []string
	var orgIDs []int64
	for uuid, tenant := range tenants {
		switch tenant.Kind {
		case tenancy.KindUser:
			if _, ok := userDTables[tenant.Username]; !ok {
				usernames = append(usernames, tenant.Username)
			}
			userDTables[tenant.Username] = append(userDTables[tenant.Username], uuid)
		case tenancy.KindOrg:
			if _, ok := orgDTables[tenant.OrgID]; !ok {
				orgIDs = append(orgIDs, tenant.OrgID)
			}
			orgDTables[tenant.OrgID] = append(orgDTables[tenant.OrgID], uuid)
		}
	}

	exceedUUIDs := make(map[string]struct{})
	exceededUsers, err := s.ledger.ExceededUsers(ctx, usernames, month)
	if err != nil {
		return nil, err
	}
	for username := range exceededUsers {
		for _, uuid := range userDTables[username] {
			exceedUUIDs[uuid] = struct{}{}
		}
	}
	exceededOrgs, err := s.ledger.ExceededOrgs(ctx, orgIDs, month)
	if err != nil {
		return nil, err
	}
	for orgID := range exceededOrgs {
		for _, uuid := range orgDTables[orgID] {
			exceedUUIDs[uuid] = struct{}{}
		}
	}
	return exceedUUIDs, nil
}

// Status returns a snapshot for health reporting.
func (s *Scanner) Status() Status {
	if s == nil {
		return Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scanner) setRunning(running bool) {
	s.mu.Lock()
	s.status.Running = running
	s.mu.Unlock()
}

func (s *Scanner) recordSweep(at time.Time, candidates int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastSweepAt = at
	s.status.LastCandidates = candidates
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
}
