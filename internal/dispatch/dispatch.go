// Package dispatch is the shared firing path: it builds the evaluation
// context for an eligible rule, hands it to the action executor, and
// advances the tenant's monthly ledger counter on confirmed firings.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dtable-io/automationd/internal/ledger"
	"github.com/dtable-io/automationd/internal/metacache"
	"github.com/dtable-io/automationd/internal/models"
	"github.com/dtable-io/automationd/internal/tenancy"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrRateLimited is returned when the per-minute limiter rejects a
// real-time firing. Callers drop the event without treating it as a
// failure.
var ErrRateLimited = errors.New("dispatch: per-minute trigger limit reached")

// RuleContext carries everything the action executor needs to evaluate
// one rule firing.
type RuleContext struct {
	RuleID          uint64          `json:"rule_id"`
	RunCondition    string          `json:"run_condition"`
	DTableUUID      string          `json:"dtable_uuid"`
	TriggerCount    int64           `json:"trigger_count"`
	OrgID           int64           `json:"org_id"`
	Creator         string          `json:"creator"`
	LastTriggerTime *time.Time      `json:"last_trigger_time,omitempty"`
	Trigger         datatypes.JSON  `json:"trigger"`
	Actions         datatypes.JSON  `json:"actions"`
	Event           json.RawMessage `json:"event,omitempty"` // Present only for real-time firings.
	TestRun         bool            `json:"test_run,omitempty"`

	Metadata *metacache.Cache `json:"-"`
}

// Executor runs a rule's actions. A nil error means the rule fired, and
// the executor has advanced trigger_count/last_trigger_time on the rule
// row itself.
type Executor interface {
	Execute(ctx context.Context, rc *RuleContext) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, rc *RuleContext) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, rc *RuleContext) error {
	return f(ctx, rc)
}

// Dispatcher is the common firing path shared by the event consumer and
// the interval scanner.
type Dispatcher struct {
	db       *gorm.DB
	ledger   *ledger.Store
	executor Executor
	now      func() time.Time
}

// NewDispatcher constructs the shared firing path.
func NewDispatcher(db *gorm.DB, store *ledger.Store, executor Executor) *Dispatcher {
	if db == nil || store == nil || executor == nil {
		return nil
	}
	return &Dispatcher{db: db, ledger: store, executor: executor, now: time.Now}
}

// Dispatch evaluates one eligible rule. event is nil for scheduled
// firings; limiter is non-nil only on the real-time path. On a confirmed
// firing the owning tenant's monthly counter is incremented; the rule
// row's own trigger bookkeeping is the executor's responsibility.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *models.AutomationRule, event json.RawMessage, cache *metacache.Cache, limiter *MinuteLimiter) error {
	if d == nil || d.executor == nil {
		return errors.New("dispatch: dispatcher not initialized")
	}
	if rule == nil {
		return errors.New("dispatch: nil rule")
	}
	if limiter != nil && !limiter.Allow(rule.ID) {
		return ErrRateLimited
	}

	rc := &RuleContext{
		RuleID:          rule.ID,
		RunCondition:    rule.RunCondition,
		DTableUUID:      rule.DTableUUID,
		TriggerCount:    rule.TriggerCount,
		OrgID:           rule.OrgID,
		Creator:         rule.Creator,
		LastTriggerTime: rule.LastTriggerTime,
		Trigger:         rule.Trigger,
		Actions:         rule.Actions,
		Event:           event,
		Metadata:        cache,
	}

	if errExec := d.executor.Execute(ctx, rc); errExec != nil {
		return fmt.Errorf("dispatch: rule %d execute: %w", rule.ID, errExec)
	}

	d.recordFiring(ctx, rule)
	return nil
}

// DispatchTest runs a rule once in test mode: the limiter and the quota
// ledger are both bypassed.
func (d *Dispatcher) DispatchTest(ctx context.Context, rule *models.AutomationRule, cache *metacache.Cache) error {
	if d == nil || d.executor == nil {
		return errors.New("dispatch: dispatcher not initialized")
	}
	if rule == nil {
		return errors.New("dispatch: nil rule")
	}
	rc := &RuleContext{
		RuleID:          rule.ID,
		RunCondition:    rule.RunCondition,
		DTableUUID:      rule.DTableUUID,
		TriggerCount:    rule.TriggerCount,
		OrgID:           rule.OrgID,
		Creator:         rule.Creator,
		LastTriggerTime: rule.LastTriggerTime,
		Trigger:         rule.Trigger,
		Actions:         rule.Actions,
		TestRun:         true,
		Metadata:        cache,
	}
	if errExec := d.executor.Execute(ctx, rc); errExec != nil {
		return fmt.Errorf("dispatch: rule %d test execute: %w", rule.ID, errExec)
	}
	return nil
}

// recordFiring increments the owning tenant's monthly counter. Ledger
// errors are logged but do not fail the dispatch: the firing already
// happened and quota tracking is eventually consistent.
func (d *Dispatcher) recordFiring(ctx context.Context, rule *models.AutomationRule) {
	month := ledger.MonthOf(d.now())

	tenant, err := tenancy.Resolve(ctx, d.db, rule.DTableUUID)
	if err != nil {
		log.WithError(err).Warnf("dispatch: rule %d tenant resolve failed, firing not counted", rule.ID)
		return
	}
	switch tenant.Kind {
	case tenancy.KindGroup:
		// Org-less groups are exempt from quota; nothing to count.
	case tenancy.KindUser:
		if errInc := d.ledger.IncrementUser(ctx, tenant.Username, month); errInc != nil {
			log.WithError(errInc).Warnf("dispatch: rule %d user ledger increment failed", rule.ID)
		}
	case tenancy.KindOrg:
		if errInc := d.ledger.IncrementOrg(ctx, tenant.OrgID, month); errInc != nil {
			log.WithError(errInc).Warnf("dispatch: rule %d org ledger increment failed", rule.ID)
		}
	}
}
