// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package cache stores upstream responses keyed by request fingerprint.

The fingerprint is a SHA-256 digest over the semantic content of a
request: provider, model, stream flag, messages, tools, and sampling
parameters, with map keys canonicalised. Correlation ids, user identity,
and timestamps never enter the digest, so retries and concurrent
requests for the same content share one key. The deduplicator keys on
the same fingerprint.

The store is a strict LRU bounded by both entry count and total bytes.
Whenever either bound is exceeded the least-recently-used entries are
evicted inline until both hold again. Entries past their TTL are removed
on access and reported as misses. An entry larger than the byte bound is
never stored.

The cache is not a source of pipeline failure: Get answers hit or miss,
Set either stores or silently declines.
*/
package cache
