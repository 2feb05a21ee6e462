// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, pcfg PoolConfig, bcfg BreakerConfig) *Client {
	t.Helper()
	pool := NewPool(pcfg)
	registry := NewRegistry(RegistryConfig{Breaker: bcfg})
	t.Cleanup(func() {
		pool.Close()
		registry.Close()
	})
	return NewClient(pool, registry)
}

func postJSON(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(`{"model":"gpt-4"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, PoolConfig{MaxPerHost: 2}, BreakerConfig{})

	ex, err := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
	require.NoError(t, err)
	body, err := io.ReadAll(ex.Response.Body)
	require.NoError(t, err)
	ex.Finish(nil)

	assert.Equal(t, http.StatusOK, ex.Response.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, StateClosed, c.BreakerStateFor(ex.Response.Request.URL.Host))
}

func TestClientNon2xxIsNotABreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, PoolConfig{MaxPerHost: 2}, BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 6; i++ {
		ex, err := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
		require.NoError(t, err, "error statuses pass through, call %d", i)
		assert.Equal(t, http.StatusServiceUnavailable, ex.Response.StatusCode)
		ex.Finish(nil)
	}

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, StateClosed, c.BreakerStateFor(host))
}

func TestClientTransportFailureTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	c := newTestClient(t, PoolConfig{MaxPerHost: 2}, BreakerConfig{FailureThreshold: 2, OpenDuration: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), "corr-1", postJSON(t, url))
		require.ErrorIs(t, err, ErrTransport, "call %d", i)
	}

	_, err := c.Do(context.Background(), "corr-1", postJSON(t, url))
	assert.ErrorIs(t, err, ErrCircuitOpen)

	host := strings.TrimPrefix(url, "http://")
	assert.Equal(t, StateOpen, c.BreakerStateFor(host))
}

func TestClientTimeoutClassifiedSeparately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, PoolConfig{MaxPerHost: 2}, BreakerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, "corr-1", postJSON(t, srv.URL))
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestClientAcquireTimeoutCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	pool := NewPool(PoolConfig{MaxPerHost: 1, AcquireTimeout: 30 * time.Millisecond})
	registry := NewRegistry(RegistryConfig{Breaker: BreakerConfig{FailureThreshold: 2, OpenDuration: time.Hour}})
	t.Cleanup(func() {
		pool.Close()
		registry.Close()
	})
	c := NewClient(pool, registry)

	held, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)
	defer pool.Release(held)

	for i := 0; i < 2; i++ {
		_, derr := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
		require.ErrorIs(t, derr, ErrAcquireTimeout, "call %d", i)
	}

	_, err = c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClientCircuitOpenFailsFastWithoutDialing(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := newTestClient(t, PoolConfig{MaxPerHost: 2}, BreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour})
	c.breakers.For(host).RecordFailure()
	require.Equal(t, StateOpen, c.BreakerStateFor(host))

	start := time.Now()
	_, err := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&hits), "open circuit must not reach the upstream")
}

func TestClientFinishDiscardsBrokenLease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
	}))
	defer srv.Close()

	c := newTestClient(t, PoolConfig{MaxPerHost: 1}, BreakerConfig{})

	ex, err := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
	require.NoError(t, err)
	brokenID := ex.conn.ID
	ex.Finish(io.ErrUnexpectedEOF)

	ex2, err := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
	require.NoError(t, err)
	assert.NotEqual(t, brokenID, ex2.conn.ID)
	ex2.Finish(nil)
}

func TestClientStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, PoolConfig{MaxPerHost: 2}, BreakerConfig{})
	ex, err := c.Do(context.Background(), "corr-1", postJSON(t, srv.URL))
	require.NoError(t, err)
	ex.Finish(nil)

	stats := c.GetStats()
	pool := stats["pool"].(map[string]interface{})
	breakers := stats["breakers"].(map[string]interface{})
	assert.Equal(t, uint64(1), pool["created"])
	assert.Equal(t, 1, breakers["breakers"])
}
