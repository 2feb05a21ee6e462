// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package stream forwards chunked upstream responses to the client while
scanning and optionally redacting content on the way through.

Chunks accumulate in a rolling buffer until it holds a complete segment.
For SSE responses a segment ends at an event boundary (a blank line), so
a redaction pattern never straddles half an event; for plain chunked
bodies every chunk is a segment. Each complete segment passes through
the optional Redactor and is written and flushed to the client.

Three failure bounds protect the proxy. A chunk that does not arrive
within the chunk timeout ends the stream with ErrChunkTimeout, leaving
already-flushed output intact. More than the configured number of chunks
buffered without a flushable boundary ends it with ErrBackpressure. And
ctx cancellation, typically the request-level deadline, stops the copy
immediately.

Output order is the upstream order. Segments are flushed exactly once,
in sequence, and redaction replaces matched spans in place.
*/
package stream
