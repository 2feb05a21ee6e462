// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package upstream sends proxied requests to vendor hosts through two
protective layers: a per-host connection pool and a per-host circuit
breaker.

# Connection Pool

Each upstream host gets an isolated pool of connection leases, capped at
max-connections-per-host. An acquire takes an idle lease when one
exists, creates a new lease while under the cap, and otherwise queues
FIFO behind earlier acquirers. A release hands the lease directly to the
first waiter, skipping the idle list. Waits are bounded by the acquire
timeout, and a background reaper drops leases that sit idle too long.

Leases for one host share a single tuned http.Transport, so TCP and TLS
session reuse happens underneath the lease accounting.

# Circuit Breaker

A breaker per host moves between three states. Closed passes traffic
and counts consecutive failures; reaching the failure threshold opens
it. Open rejects everything until the open duration elapses, then the
breaker admits a single half-open trial at a time. Enough consecutive
trial successes close it; any trial failure reopens it.

Only transport-level problems count as failures: request send or
response receive errors and pool acquire timeouts. A response with any
HTTP status is a completed exchange and records success, and a rejection
by an open circuit adds no new failure.

The Registry creates breakers lazily per host, bounds them with an LRU
cap, and sweeps breakers for hosts that have gone quiet.

# Client

Client composes the two layers in order: breaker check, pool acquire,
HTTP exchange.

	ex, err := client.Do(ctx, correlationID, req)
	if err != nil {
	        // errors.Is against ErrCircuitOpen, ErrAcquireTimeout,
	        // ErrUpstreamTimeout, ErrTransport for status mapping
	}
	defer ex.Finish(nil)

Finish returns the lease once the body is consumed; passing a non-nil
error discards the lease instead of recycling it.
*/
package upstream
