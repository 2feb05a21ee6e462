// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package proxy drives one inbound LLM request through the full pipeline
and owns the HTTP surfaces of the gateway.

# Overview

A request enters either through the explicit surface
(POST /proxy/<upstream-url>) or transparently, when the Host header
names a recognised vendor. Both run the same pipeline:

 1. parse: the registry normalises the vendor dialect; unparseable
    payloads are rejected with 400, there is no pass-through.
 2. rate limit: Redis sliding window per identity key, in-memory
    fixed window when Redis is absent or failing.
 3. cache lookup: a hit replays the stored response with X-Cache: HIT.
 4. scan: the orchestrator fans out to every registered scanner.
 5. policy: the engine picks the action; no match means block.
 6. branch: allow forwards upstream (deduplicated for non-streaming
    requests), block answers 403, modify redacts the request and the
    outbound body before forwarding, queue parks the request in the
    review queue and answers 202, alert, redirect, and log forward
    with extra audit annotation.

Streaming requests bypass the cache and the deduplicator: a live body
cannot be replayed to waiters or stored. They still pass the circuit
breaker and the connection pool, and their chunks flow through the
stream pipeline in upstream order.

Every request produces exactly one audit record, at whichever exit the
pipeline takes, delivered asynchronously by the audit queue. The
request-level deadline (default 30s) cancels all suspended operations;
the client receives 504.

# Surfaces

Besides the two proxy surfaces the server exposes /health, /status
(component statistics), /metrics (JSON counters), /metrics/prometheus,
and the admin API under /api/v1: policy CRUD, review queue
list/approve/reject, and cache invalidation.
*/
package proxy
