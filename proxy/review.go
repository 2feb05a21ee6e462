// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"proxilion/gateway/model"
	"proxilion/gateway/policy"
	"proxilion/gateway/shared/logger"
)

// ReviewStatus is the lifecycle state of a queued item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewExpired  ReviewStatus = "expired"
)

// Review queue defaults. Expiry is clamped to MaxReviewExpiry so a
// misconfigured queue cannot hold items for days.
const (
	DefaultReviewExpiry   = 15 * time.Minute
	MaxReviewExpiry       = 24 * time.Hour
	DefaultReviewCapacity = 1000

	reviewSweepInterval = time.Minute
)

// Review queue errors.
var (
	ErrReviewNotFound = errors.New("review: item not found")
	ErrReviewResolved = errors.New("review: item already resolved or expired")
)

// ReviewItem is one request parked for human review. The request body is
// not retained; the item carries what a reviewer needs to decide.
type ReviewItem struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlationId"`
	Provider      model.Provider `json:"provider"`
	Model         string         `json:"model"`
	UserID        string         `json:"userId,omitempty"`
	Reason        string         `json:"reason"`
	ThreatLevel   model.Severity `json:"threatLevel"`
	QueuedAt      time.Time      `json:"queuedAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	Status        ReviewStatus   `json:"status"`
	ReviewedAt    *time.Time     `json:"reviewedAt,omitempty"`
	Reviewer      string         `json:"reviewer,omitempty"`
}

// ReviewQueue stores items produced by the queue action until an admin
// resolves them or they expire. Capacity is bounded; when full, expired
// and resolved items give way first, then the oldest pending item is
// expired to make room.
type ReviewQueue struct {
	mu    sync.Mutex
	items map[string]*ReviewItem

	capacity int
	expiry   time.Duration
	now      func() time.Time
	log      *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once

	queuedTotal   uint64
	approvedTotal uint64
	rejectedTotal uint64
	expiredTotal  uint64
}

// NewReviewQueue creates the queue and starts its expiry sweeper.
func NewReviewQueue(capacity int, expiry time.Duration) *ReviewQueue {
	if capacity <= 0 {
		capacity = DefaultReviewCapacity
	}
	if expiry <= 0 {
		expiry = DefaultReviewExpiry
	}
	if expiry > MaxReviewExpiry {
		expiry = MaxReviewExpiry
	}
	q := &ReviewQueue{
		items:    make(map[string]*ReviewItem),
		capacity: capacity,
		expiry:   expiry,
		now:      time.Now,
		log:      logger.New("review"),
		stop:     make(chan struct{}),
	}
	go q.sweepLoop()
	return q
}

// Add parks a request and returns the stored item. The returned copy is
// what the 202 body carries.
func (q *ReviewQueue) Add(req *model.Request, decision policy.Decision, threat model.Severity) ReviewItem {
	now := q.now().UTC()
	item := &ReviewItem{
		ID:            uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Provider:      req.Provider,
		Model:         req.Model,
		UserID:        req.Metadata.UserID,
		Reason:        decision.Reason,
		ThreatLevel:   threat,
		QueuedAt:      now,
		ExpiresAt:     now.Add(q.expiry),
		Status:        ReviewPending,
	}

	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.evictLocked(now)
	}
	q.items[item.ID] = item
	q.queuedTotal++
	q.mu.Unlock()

	q.log.Info(req.CorrelationID, "Request queued for review", map[string]interface{}{
		"review_id":    item.ID,
		"threat_level": string(threat),
		"policy_id":    decision.PolicyID,
	})
	return *item
}

// Get returns a copy of the item.
func (q *ReviewQueue) Get(id string) (ReviewItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return ReviewItem{}, false
	}
	q.refreshLocked(item, q.now().UTC())
	return *item, true
}

// List returns copies of the stored items, newest first. A non-empty
// status narrows the result.
func (q *ReviewQueue) List(status ReviewStatus) []ReviewItem {
	now := q.now().UTC()

	q.mu.Lock()
	out := make([]ReviewItem, 0, len(q.items))
	for _, item := range q.items {
		q.refreshLocked(item, now)
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, *item)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	return out
}

// Resolve marks a pending item approved or rejected. Items already
// resolved or past their expiry fail with ErrReviewResolved.
func (q *ReviewQueue) Resolve(id string, approve bool, reviewer string) (ReviewItem, error) {
	now := q.now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return ReviewItem{}, ErrReviewNotFound
	}
	q.refreshLocked(item, now)
	if item.Status != ReviewPending {
		return *item, ErrReviewResolved
	}

	if approve {
		item.Status = ReviewApproved
		q.approvedTotal++
	} else {
		item.Status = ReviewRejected
		q.rejectedTotal++
	}
	item.ReviewedAt = &now
	item.Reviewer = reviewer

	q.log.Info(item.CorrelationID, "Review item resolved", map[string]interface{}{
		"review_id": item.ID,
		"status":    string(item.Status),
		"reviewer":  reviewer,
	})
	return *item, nil
}

// Close stops the sweeper.
func (q *ReviewQueue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// refreshLocked flips a pending item past its deadline to expired.
// Caller holds mu.
func (q *ReviewQueue) refreshLocked(item *ReviewItem, now time.Time) {
	if item.Status == ReviewPending && now.After(item.ExpiresAt) {
		item.Status = ReviewExpired
		q.expiredTotal++
	}
}

// evictLocked makes room for one new item: resolved and expired items go
// first, oldest by queue time; with nothing else to shed, the oldest
// pending item is expired and dropped. Caller holds mu.
func (q *ReviewQueue) evictLocked(now time.Time) {
	var victim *ReviewItem
	for _, item := range q.items {
		q.refreshLocked(item, now)
		if victim == nil {
			victim = item
			continue
		}
		victimResolved := victim.Status != ReviewPending
		itemResolved := item.Status != ReviewPending
		if itemResolved != victimResolved {
			if itemResolved {
				victim = item
			}
			continue
		}
		if item.QueuedAt.Before(victim.QueuedAt) {
			victim = item
		}
	}
	if victim == nil {
		return
	}
	if victim.Status == ReviewPending {
		victim.Status = ReviewExpired
		q.expiredTotal++
	}
	delete(q.items, victim.ID)
}

// sweepLoop periodically expires overdue pending items.
func (q *ReviewQueue) sweepLoop() {
	ticker := time.NewTicker(reviewSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := q.now().UTC()
			q.mu.Lock()
			for _, item := range q.items {
				q.refreshLocked(item, now)
			}
			q.mu.Unlock()
		case <-q.stop:
			return
		}
	}
}

// GetStats returns queue counters for the status surface.
func (q *ReviewQueue) GetStats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := 0
	for _, item := range q.items {
		if item.Status == ReviewPending {
			pending++
		}
	}
	return map[string]interface{}{
		"capacity": q.capacity,
		"size":     len(q.items),
		"pending":  pending,
		"queued":   q.queuedTotal,
		"approved": q.approvedTotal,
		"rejected": q.rejectedTotal,
		"expired":  q.expiredTotal,
	}
}
