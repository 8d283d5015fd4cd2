// Package events consumes per-update trigger events from the platform's
// Redis queue and feeds the matching real-time rules into the shared
// firing path.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dtable-io/automationd/internal/dispatch"
	"github.com/dtable-io/automationd/internal/gate"
	"github.com/dtable-io/automationd/internal/metacache"
	"github.com/dtable-io/automationd/internal/models"
	"github.com/dtable-io/automationd/internal/util"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultQueueKey is the Redis list the web application pushes
// automation-rule trigger events onto.
const DefaultQueueKey = "automation-rule-triggered"

const (
	popTimeout     = 30 * time.Second
	reconnectDelay = 5 * time.Second
)

// Payload is the event shape the engine consumes. Extra fields (row data,
// op type) are carried opaquely to the action executor.
type Payload struct {
	DTableUUID       string `json:"dtable_uuid"`
	AutomationRuleID uint64 `json:"automation_rule_id"`
}

// Status is a point-in-time snapshot of the consumer for health reporting.
type Status struct {
	Running     bool      `json:"running"`
	LastEventAt time.Time `json:"last_event_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Consumer pops trigger events off the Redis queue and dispatches the
// eligible ones. Per-event failures are logged and dropped so one bad
// event never stalls the queue.
type Consumer struct {
	rdb        *redis.Client
	db         *gorm.DB
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher
	limiter    *dispatch.MinuteLimiter
	fetch      metacache.Fetcher
	queueKey   string

	mu     sync.Mutex
	status Status
}

// NewConsumer constructs the real-time event consumer.
func NewConsumer(rdb *redis.Client, db *gorm.DB, g *gate.Gate, dispatcher *dispatch.Dispatcher, limiter *dispatch.MinuteLimiter, fetch metacache.Fetcher, queueKey string) *Consumer {
	if rdb == nil || db == nil || g == nil || dispatcher == nil {
		return nil
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = DefaultQueueKey
	}
	return &Consumer{
		rdb:        rdb,
		db:         db,
		gate:       g,
		dispatcher: dispatcher,
		limiter:    limiter,
		fetch:      fetch,
		queueKey:   queueKey,
	}
}

// Start launches the consume loop in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.setRunning(true)
	go c.run(ctx)
	log.Infof("event consumer started (queue=%s)", c.queueKey)
}

func (c *Consumer) run(ctx context.Context) {
	defer c.setRunning(false)
	for {
		if ctx.Err() != nil {
			return
		}
		values, errPop := c.rdb.BRPop(ctx, popTimeout, c.queueKey).Result()
		if errors.Is(errPop, redis.Nil) {
			continue
		}
		if errPop != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(errPop).Warnf("event consumer: pop failed, retrying in %s", reconnectDelay)
			c.recordError(errPop)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}
		if errHandle := c.HandleEvent(ctx, []byte(values[1])); errHandle != nil {
			log.WithError(errHandle).Error("event consumer: event handling failed")
			c.recordError(errHandle)
			continue
		}
		c.recordEvent()
	}
}

// HandleEvent processes one raw event payload: load the matching
// per_update rule, run the eligibility gate, and dispatch with a fresh
// intent-scoped metadata cache. Events for unknown, invalid, paused or
// quota-blocked rules are dropped silently; rate-limited firings are
// dropped with a debug log.
func (c *Consumer) HandleEvent(ctx context.Context, raw []byte) error {
	if c == nil || c.db == nil {
		return errors.New("events: consumer not initialized")
	}

	var payload Payload
	if errUnmarshal := json.Unmarshal(raw, &payload); errUnmarshal != nil {
		return fmt.Errorf("events: malformed payload: %w", errUnmarshal)
	}
	if payload.DTableUUID == "" || payload.AutomationRuleID == 0 {
		return fmt.Errorf("events: payload missing dtable_uuid or automation_rule_id")
	}

	var rule models.AutomationRule
	err := c.db.WithContext(ctx).
		Where("dtable_uuid = ? AND id = ? AND run_condition = ? AND is_valid = ? AND is_pause = ?",
			util.NormalizeDTableUUID(payload.DTableUUID), payload.AutomationRuleID,
			models.RunConditionPerUpdate, true, false).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("events: rule %d lookup: %w", payload.AutomationRuleID, err)
	}

	if !c.gate.CanFire(ctx, rule.DTableUUID) {
		return nil
	}

	cache := metacache.NewIntentCache(c.fetch)
	errDispatch := c.dispatcher.Dispatch(ctx, &rule, raw, cache, c.limiter)
	if errors.Is(errDispatch, dispatch.ErrRateLimited) {
		log.Debugf("events: rule %d rate limited", rule.ID)
		return nil
	}
	return errDispatch
}

// Status returns a snapshot for health reporting.
func (c *Consumer) Status() Status {
	if c == nil {
		return Status{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Consumer) setRunning(running bool) {
	c.mu.Lock()
	c.status.Running = running
	c.mu.Unlock()
}

func (c *Consumer) recordEvent() {
	c.mu.Lock()
	c.status.LastEventAt = time.Now()
	c.status.LastError = ""
	c.mu.Unlock()
}

func (c *Consumer) recordError(err error) {
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
}
