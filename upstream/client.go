// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"proxilion/gateway/shared/logger"
)

// Transport errors, classified for status mapping. Acquire timeouts and
// transport failures count against the host's breaker; an open circuit
// does not add a new failure, and an upstream response of any status is
// a completed exchange.
var (
	ErrUpstreamTimeout = errors.New("upstream: request timed out")
	ErrTransport       = errors.New("upstream: transport failure")
)

// Client sends requests to upstream hosts through the per-host breaker
// and connection pool.
type Client struct {
	pool     *Pool
	breakers *Registry
	log      *logger.Logger
}

// NewClient wires a client over its pool and breaker registry.
func NewClient(pool *Pool, breakers *Registry) *Client {
	return &Client{
		pool:     pool,
		breakers: breakers,
		log:      logger.New("upstream"),
	}
}

// Exchange is an in-flight upstream response. The caller owns the body
// and must call Finish exactly once after consuming it.
type Exchange struct {
	Response *http.Response

	conn *Connection
	pool *Pool
	done bool
}

// Finish returns the exchange's connection to the pool. A non-nil err
// marks the connection as broken so it is discarded instead of reused.
func (e *Exchange) Finish(err error) {
	if e == nil || e.done {
		return
	}
	e.done = true
	if e.Response != nil && e.Response.Body != nil {
		e.Response.Body.Close()
	}
	if err != nil {
		e.pool.Discard(e.conn)
		return
	}
	e.pool.Release(e.conn)
}

// Do sends req to its host. The breaker is consulted first, then a
// connection is acquired, then the request goes out on the connection's
// transport. Response headers arriving at all counts as breaker success
// regardless of status code.
func (c *Client) Do(ctx context.Context, correlationID string, req *http.Request) (*Exchange, error) {
	host := req.URL.Host
	breaker := c.breakers.For(host)

	if err := breaker.Allow(); err != nil {
		c.log.Warn(correlationID, "circuit open, rejecting upstream call", map[string]interface{}{
			"host": host,
		})
		return nil, fmt.Errorf("%w: host %s", ErrCircuitOpen, host)
	}

	conn, err := c.pool.Acquire(ctx, host)
	if err != nil {
		breaker.RecordFailure()
		if errors.Is(err, ErrAcquireTimeout) {
			c.log.Warn(correlationID, "connection acquire timed out", map[string]interface{}{
				"host": host,
			})
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	start := time.Now()
	httpClient := &http.Client{Transport: conn.Transport}
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		breaker.RecordFailure()
		c.pool.Discard(conn)
		classified := classifyTransportError(ctx, err)
		c.log.WarnWithError(correlationID, "upstream call failed", err, map[string]interface{}{
			"host":        host,
			"duration_ms": float64(time.Since(start).Milliseconds()),
		})
		return nil, classified
	}

	breaker.RecordSuccess()
	c.log.Debug(correlationID, "upstream responded", map[string]interface{}{
		"host":        host,
		"status":      resp.StatusCode,
		"duration_ms": float64(time.Since(start).Milliseconds()),
	})
	return &Exchange{Response: resp, conn: conn, pool: c.pool}, nil
}

// BreakerStateFor exposes a host's breaker state for the status surface.
func (c *Client) BreakerStateFor(host string) BreakerState {
	return c.breakers.For(host).State()
}

// GetStats merges pool and breaker statistics.
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"pool":     c.pool.GetStats(),
		"breakers": c.breakers.GetStats(),
	}
}

// classifyTransportError separates deadline expiry from other transport
// failures so the proxy can map them to 504 and 503 respectively.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
