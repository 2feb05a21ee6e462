// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxilion/gateway/model"
	"proxilion/gateway/policy"
)

func reviewRequest(corr, user string) *model.Request {
	return &model.Request{
		CorrelationID: corr,
		Provider:      model.ProviderOpenAI,
		Model:         "gpt-4",
		Metadata:      model.Metadata{UserID: user},
	}
}

func TestReviewQueueAddAndGet(t *testing.T) {
	q := NewReviewQueue(10, 15*time.Minute)
	defer q.Close()

	item := q.Add(reviewRequest("corr-1", "alice"), policy.Decision{
		PolicyID: "queue-sensitive",
		Reason:   "sensitive model access",
	}, model.SeverityMedium)

	require.NotEmpty(t, item.ID)
	assert.Equal(t, ReviewPending, item.Status)
	assert.Equal(t, "corr-1", item.CorrelationID)
	assert.Equal(t, "alice", item.UserID)
	assert.Equal(t, "sensitive model access", item.Reason)
	assert.Equal(t, model.SeverityMedium, item.ThreatLevel)
	assert.Equal(t, 15*time.Minute, item.ExpiresAt.Sub(item.QueuedAt))

	got, ok := q.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, item.ID, got.ID)

	_, ok = q.Get("no-such-id")
	assert.False(t, ok)
}

func TestReviewQueueListNewestFirstAndFiltered(t *testing.T) {
	q := NewReviewQueue(10, 15*time.Minute)
	defer q.Close()

	// Inject a controllable clock so queue order is deterministic.
	base := time.Now().UTC()
	clock := base
	q.now = func() time.Time { return clock }

	first := q.Add(reviewRequest("corr-1", "alice"), policy.Decision{Reason: "r1"}, model.SeverityLow)
	clock = base.Add(time.Second)
	second := q.Add(reviewRequest("corr-2", "bob"), policy.Decision{Reason: "r2"}, model.SeverityLow)
	clock = base.Add(2 * time.Second)
	third := q.Add(reviewRequest("corr-3", "carol"), policy.Decision{Reason: "r3"}, model.SeverityLow)

	_, err := q.Resolve(second.ID, true, "sec-team")
	require.NoError(t, err)

	all := q.List("")
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, first.ID, all[2].ID)

	pending := q.List(ReviewPending)
	require.Len(t, pending, 2)

	approved := q.List(ReviewApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, second.ID, approved[0].ID)
}

func TestReviewQueueResolve(t *testing.T) {
	q := NewReviewQueue(10, 15*time.Minute)
	defer q.Close()

	item := q.Add(reviewRequest("corr-1", "alice"), policy.Decision{Reason: "r"}, model.SeverityHigh)

	resolved, err := q.Resolve(item.ID, true, "sec-team")
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, resolved.Status)
	assert.Equal(t, "sec-team", resolved.Reviewer)
	require.NotNil(t, resolved.ReviewedAt)

	// A resolved item cannot flip.
	_, err = q.Resolve(item.ID, false, "sec-team")
	require.ErrorIs(t, err, ErrReviewResolved)

	rejected := q.Add(reviewRequest("corr-2", "bob"), policy.Decision{Reason: "r"}, model.SeverityHigh)
	resolved, err = q.Resolve(rejected.ID, false, "auditor")
	require.NoError(t, err)
	assert.Equal(t, ReviewRejected, resolved.Status)

	_, err = q.Resolve("no-such-id", true, "sec-team")
	require.ErrorIs(t, err, ErrReviewNotFound)
}

func TestReviewQueueExpiry(t *testing.T) {
	q := NewReviewQueue(10, time.Minute)
	defer q.Close()

	base := time.Now().UTC()
	clock := base
	q.now = func() time.Time { return clock }

	item := q.Add(reviewRequest("corr-1", "alice"), policy.Decision{Reason: "r"}, model.SeverityMedium)

	clock = base.Add(2 * time.Minute)

	got, ok := q.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, ReviewExpired, got.Status)

	_, err := q.Resolve(item.ID, true, "sec-team")
	require.ErrorIs(t, err, ErrReviewResolved)

	stats := q.GetStats()
	assert.Equal(t, uint64(1), stats["expired"])
}

func TestReviewQueueCapacityEviction(t *testing.T) {
	q := NewReviewQueue(2, 15*time.Minute)
	defer q.Close()

	base := time.Now().UTC()
	clock := base
	q.now = func() time.Time { return clock }

	oldest := q.Add(reviewRequest("corr-1", "alice"), policy.Decision{Reason: "r"}, model.SeverityLow)
	clock = base.Add(time.Second)
	kept := q.Add(reviewRequest("corr-2", "bob"), policy.Decision{Reason: "r"}, model.SeverityLow)
	clock = base.Add(2 * time.Second)

	// Full queue: the oldest pending item is expired and dropped.
	next := q.Add(reviewRequest("corr-3", "carol"), policy.Decision{Reason: "r"}, model.SeverityLow)

	_, ok := q.Get(oldest.ID)
	assert.False(t, ok)
	_, ok = q.Get(kept.ID)
	assert.True(t, ok)
	_, ok = q.Get(next.ID)
	assert.True(t, ok)

	// Resolved items give way before pending ones.
	_, err := q.Resolve(kept.ID, true, "sec-team")
	require.NoError(t, err)
	clock = base.Add(3 * time.Second)
	last := q.Add(reviewRequest("corr-4", "dave"), policy.Decision{Reason: "r"}, model.SeverityLow)

	_, ok = q.Get(kept.ID)
	assert.False(t, ok)
	_, ok = q.Get(next.ID)
	assert.True(t, ok)
	_, ok = q.Get(last.ID)
	assert.True(t, ok)
}

func TestReviewQueueClampsExpiry(t *testing.T) {
	q := NewReviewQueue(10, 48*time.Hour)
	defer q.Close()

	item := q.Add(reviewRequest("corr-1", "alice"), policy.Decision{Reason: "r"}, model.SeverityLow)
	assert.Equal(t, MaxReviewExpiry, item.ExpiresAt.Sub(item.QueuedAt))
}
