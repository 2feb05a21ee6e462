// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package dedup collapses concurrent identical requests onto one upstream
call.

Requests are identical when they share a fingerprint (see package
cache). At most one producer runs per fingerprint at any instant; every
caller attached to the entry observes the same result, and if the
producer fails every caller observes the same error.

Entries expire after the configured timeout so a stuck producer cannot
accumulate waiters without bound. Expired waiters receive ErrTimeout and
the entry is forgotten, letting the next request start fresh. Streaming
requests never pass through the deduplicator; a stream can only be
consumed once.
*/
package dedup
