// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proxilion/gateway/shared/logger"
)

// Pipeline defaults.
const (
	DefaultChunkTimeout      = 15 * time.Second
	DefaultMaxBufferedChunks = 64

	// RedactionMarker replaces sensitive spans in flushed content.
	RedactionMarker = "[REDACTED]"

	readBufferSize = 4096
)

// Stream errors.
var (
	ErrChunkTimeout = errors.New("stream: chunk timed out")
	ErrBackpressure = errors.New("stream: buffered chunk limit exceeded")
)

// Redactor rewrites a complete segment before it is flushed to the
// client. Implementations must not reorder, duplicate, or drop
// non-matching content.
type Redactor interface {
	Redact(segment []byte) ([]byte, bool)
}

// Config tunes one pipeline run.
type Config struct {
	// ChunkTimeout bounds the wait for the next upstream chunk.
	ChunkTimeout time.Duration
	// MaxBufferedChunks caps how many chunks may accumulate without a
	// flushable boundary before the stream fails.
	MaxBufferedChunks int
	// EventStream selects SSE framing: segments are flushed at event
	// boundaries. When false every chunk is its own segment.
	EventStream bool
	// Redactor, when set, rewrites each segment before the flush.
	Redactor Redactor
}

func (c Config) withDefaults() Config {
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.MaxBufferedChunks <= 0 {
		c.MaxBufferedChunks = DefaultMaxBufferedChunks
	}
	return c
}

// Result summarises one streamed response.
type Result struct {
	ChunksIn  int
	ChunksOut int
	BytesOut  int64
	Modified  bool
}

// Pipeline forwards an upstream byte stream to a client writer chunk by
// chunk, preserving order, scanning and optionally redacting each
// flushable segment on the way through.
type Pipeline struct {
	cfg Config
	log *logger.Logger
}

// New builds a pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults(), log: logger.New("stream")}
}

type readResult struct {
	data []byte
	err  error
}

// Run copies upstream to client until EOF, a timeout, a backpressure
// overflow, or ctx cancellation. Already-flushed output always stands;
// the returned Result reflects what the client actually received.
func (p *Pipeline) Run(ctx context.Context, correlationID string, upstream io.Reader, client io.Writer) (Result, error) {
	var res Result

	done := make(chan struct{})
	defer close(done)
	reads := make(chan readResult)
	go readChunks(upstream, reads, done)

	flusher, _ := client.(http.Flusher)
	var pending []byte
	buffered := 0

	timer := time.NewTimer(p.cfg.ChunkTimeout)
	defer timer.Stop()

	flush := func(segment []byte) error {
		if len(segment) == 0 {
			return nil
		}
		out := segment
		if p.cfg.Redactor != nil {
			redacted, modified := p.cfg.Redactor.Redact(segment)
			if modified {
				res.Modified = true
				out = redacted
			}
		}
		n, err := client.Write(out)
		res.BytesOut += int64(n)
		if err != nil {
			return fmt.Errorf("stream: client write: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		res.ChunksOut++
		buffered = 0
		return nil
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.ChunkTimeout)

		select {
		case rr := <-reads:
			if rr.err != nil {
				if rr.err == io.EOF {
					err := flush(pending)
					return res, err
				}
				p.log.WarnWithError(correlationID, "upstream stream read failed", rr.err, map[string]interface{}{
					"chunks_in": res.ChunksIn,
				})
				return res, fmt.Errorf("stream: upstream read: %w", rr.err)
			}

			res.ChunksIn++
			pending = append(pending, rr.data...)
			buffered++

			cut := p.segmentEnd(pending)
			if cut > 0 {
				segment := pending[:cut]
				rest := append([]byte(nil), pending[cut:]...)
				if err := flush(segment); err != nil {
					return res, err
				}
				pending = rest
			}
			if len(pending) > 0 && buffered > p.cfg.MaxBufferedChunks {
				p.log.Warn(correlationID, "stream backpressure limit hit", map[string]interface{}{
					"buffered_chunks": buffered,
					"pending_bytes":   len(pending),
				})
				return res, ErrBackpressure
			}

		case <-timer.C:
			p.log.Warn(correlationID, "stream chunk timed out", map[string]interface{}{
				"chunks_in":  res.ChunksIn,
				"chunks_out": res.ChunksOut,
			})
			return res, ErrChunkTimeout

		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// segmentEnd returns the end offset of the flushable prefix of buf, or 0
// when nothing is complete yet. SSE framing cuts after the last event
// boundary so a scan never sees half an event; plain streams flush every
// chunk whole.
func (p *Pipeline) segmentEnd(buf []byte) int {
	if !p.cfg.EventStream {
		return len(buf)
	}
	end := 0
	if i := bytes.LastIndex(buf, []byte("\n\n")); i >= 0 {
		end = i + 2
	}
	if i := bytes.LastIndex(buf, []byte("\r\n\r\n")); i >= 0 && i+4 > end {
		end = i + 4
	}
	return end
}

// readChunks feeds upstream reads into the channel until EOF, a read
// error, or pipeline shutdown.
func readChunks(upstream io.Reader, reads chan<- readResult, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case reads <- readResult{data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case reads <- readResult{err: err}:
			case <-done:
			}
			return
		}
	}
}

// IsEventStream reports whether the headers describe an SSE body.
func IsEventStream(h http.Header) bool {
	ct := h.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.EqualFold(strings.TrimSpace(ct), "text/event-stream")
}
