// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxilion/gateway/model"
	"proxilion/gateway/shared/logger"
)

// DefaultTimeout is the orchestrator-level scan deadline.
const DefaultTimeout = 10 * time.Second

// Config controls orchestrator behaviour.
type Config struct {
	// Timeout is the shared deadline for one scan pass. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// DisableEarlyTermination turns off the critical-finding shortcut.
	// The verdict class must be identical either way; the shortcut only
	// saves latency.
	DisableEarlyTermination bool
}

// Orchestrator fans a request out to every registered scanner in parallel
// and folds their results into one verdict.
//
// Failure containment: a scanner that returns an error, panics, or misses
// the deadline contributes a neutral result. The orchestrator itself never
// returns an error; a verdict is always produced.
type Orchestrator struct {
	mu               sync.RWMutex
	scanners         []Scanner
	timeout          time.Duration
	earlyTermination bool
	log              *logger.Logger
}

// NewOrchestrator creates an orchestrator with no scanners registered.
func NewOrchestrator(cfg Config) *Orchestrator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		timeout:          timeout,
		earlyTermination: !cfg.DisableEarlyTermination,
		log:              logger.New("scanner"),
	}
}

// Register adds a scanner. Safe to call at any time; in-flight scans keep
// the set they started with.
func (o *Orchestrator) Register(s Scanner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scanners = append(o.scanners, s)
}

// ScannerIDs returns the ids of the registered scanners in registration
// order.
func (o *Orchestrator) ScannerIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, len(o.scanners))
	for i, s := range o.scanners {
		ids[i] = s.ID()
	}
	return ids
}

type outcome struct {
	id     string
	result model.ScanResult
	err    error
}

// Scan runs every registered scanner over the request under the shared
// deadline and returns the aggregated verdict. The verdict always carries
// one result per registered scanner: completed scanners contribute their
// findings, failed or cancelled ones contribute neutral results.
func (o *Orchestrator) Scan(ctx context.Context, req *model.Request) model.Verdict {
	start := time.Now()

	o.mu.RLock()
	scanners := make([]Scanner, len(o.scanners))
	copy(scanners, o.scanners)
	o.mu.RUnlock()

	if len(scanners) == 0 {
		return model.BuildVerdict(nil, time.Since(start))
	}

	// One projection per request, shared by every scanner.
	text := Project(req)

	scanCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// Buffered so late finishers never block after the collect loop ends.
	out := make(chan outcome, len(scanners))
	for _, s := range scanners {
		go o.runScanner(scanCtx, s, req, text, out)
	}

	byID := make(map[string]model.ScanResult, len(scanners))

collect:
	for completed := 0; completed < len(scanners); completed++ {
		select {
		case oc := <-out:
			if oc.err != nil {
				o.log.WarnWithError(req.CorrelationID, "Scanner failed, contributing neutral result", oc.err,
					map[string]interface{}{"scanner_id": oc.id})
				byID[oc.id] = model.NeutralResult(oc.id)
				continue
			}
			byID[oc.id] = oc.result
			if o.earlyTermination && oc.result.ThreatLevel == model.SeverityCritical {
				// Cancel siblings and return with what has completed.
				cancel()
				break collect
			}
		case <-scanCtx.Done():
			o.log.Warn(req.CorrelationID, "Scan deadline elapsed, cancelling outstanding scanners",
				map[string]interface{}{"completed": completed, "total": len(scanners)})
			break collect
		}
	}

	results := make([]model.ScanResult, 0, len(scanners))
	for _, s := range scanners {
		if r, ok := byID[s.ID()]; ok {
			results = append(results, r)
		} else {
			results = append(results, model.NeutralResult(s.ID()))
		}
	}

	return model.BuildVerdict(results, time.Since(start))
}

// runScanner executes one scanner, converting panics and errors into
// outcomes the collect loop can absorb. The returned result is rebuilt from
// the findings so the ScanResult invariants hold regardless of what the
// scanner body produced.
func (o *Orchestrator) runScanner(ctx context.Context, s Scanner, req *model.Request, text *Projection, out chan<- outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out <- outcome{id: s.ID(), err: fmt.Errorf("scanner panic: %v", r)}
		}
	}()

	result, err := s.Scan(ctx, req, text)
	if err != nil {
		out <- outcome{id: s.ID(), err: err}
		return
	}
	out <- outcome{id: s.ID(), result: model.BuildResult(s.ID(), result.Findings, time.Since(start))}
}
