// Package gate decides whether an automation rule may fire for a dtable
// given the owning tenant's monthly quota state.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/dtable-io/automationd/internal/ledger"
	"github.com/dtable-io/automationd/internal/tenancy"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Gate answers firing-eligibility checks against the quota ledger.
//
// The gate FAILS OPEN: a quota-tracking outage must never silently stop
// legitimate automations, so any lookup error answers "may fire". Do not
// tighten this to fail-closed.
type Gate struct {
	db     *gorm.DB
	ledger *ledger.Store
	now    func() time.Time
}

// NewGate constructs a gate over the given database and ledger store.
func NewGate(db *gorm.DB, store *ledger.Store) *Gate {
	if db == nil || store == nil {
		return nil
	}
	return &Gate{db: db, ledger: store, now: time.Now}
}

// CanFire reports whether rules of the given dtable may fire right now.
//
// Group-owned workspaces outside any organization are always eligible.
// Everyone else is eligible unless the owning tenant's ledger row for the
// current month carries is_exceed.
func (g *Gate) CanFire(ctx context.Context, dtableUUID string) bool {
	if g == nil || g.db == nil {
		return true
	}

	tenant, err := tenancy.Resolve(ctx, g.db, dtableUUID)
	if errors.Is(err, tenancy.ErrNotFound) {
		log.Errorf("gate: dtable %s workspace not found", dtableUUID)
		return true
	}
	if err != nil {
		log.WithError(err).Errorf("gate: dtable %s workspace lookup failed", dtableUUID)
		return true
	}

	month := ledger.MonthOf(g.now())
	switch tenant.Kind {
	case tenancy.KindGroup:
		return true
	case tenancy.KindUser:
		exceeded, errLookup := g.ledger.UserExceeded(ctx, tenant.Username, month)
		if errLookup != nil {
			log.WithError(errLookup).Errorf("gate: user %s exceed lookup failed", tenant.Username)
			return true
		}
		return !exceeded
	default:
		exceeded, errLookup := g.ledger.OrgExceeded(ctx, tenant.OrgID, month)
		if errLookup != nil {
			log.WithError(errLookup).Errorf("gate: org %d exceed lookup failed", tenant.OrgID)
			return true
		}
		return !exceeded
	}
}
