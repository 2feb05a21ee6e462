// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxilion/gateway/cache"
	"proxilion/gateway/dedup"
	"proxilion/gateway/model"
	"proxilion/gateway/parser"
	"proxilion/gateway/policy"
	"proxilion/gateway/scanner"
	"proxilion/gateway/shared/logger"
	"proxilion/gateway/stream"
	"proxilion/gateway/upstream"
)

// Surfaces a request can enter through.
const (
	surfaceExplicit    = "explicit"
	surfaceTransparent = "transparent"
)

// pipelineDeps bundles the long-lived components the driver works with.
// They are shared across requests; per-request state lives in
// requestState.
type pipelineDeps struct {
	parsers   *parser.Registry
	scanners  *scanner.Orchestrator
	policies  *policy.Engine
	cache     *cache.Cache
	dedup     *dedup.Deduplicator
	client    *upstream.Client
	limiter   *RateLimiter
	auth      *Authenticator
	audit     *AuditQueue
	reviews   *ReviewQueue
	redactor  *Redactor
	responses *ResponseProcessor
	metrics   *Metrics
}

// Pipeline drives one inbound request through parse, rate limit, cache,
// scan, policy, and the action branch.
type Pipeline struct {
	cfg Config
	pipelineDeps
	log *logger.Logger
}

func newPipeline(cfg Config, deps pipelineDeps) *Pipeline {
	return &Pipeline{cfg: cfg, pipelineDeps: deps, log: logger.New("proxy")}
}

// requestState is the bookkeeping every exit path shares. The audited
// flag guarantees exactly one audit record per request.
type requestState struct {
	start         time.Time
	surface       string
	requestID     string
	correlationID string
	target        *url.URL
	sourceIP      string

	req      *model.Request
	verdict  *model.Verdict
	decision policy.Decision
	modified bool
	audited  bool
}

// Serve runs the pipeline for one request whose upstream target is
// already resolved. Every path out of this function answers the client
// and emits one audit record.
func (p *Pipeline) Serve(w http.ResponseWriter, r *http.Request, target *url.URL, surface string) {
	st := &requestState{
		start:     time.Now(),
		surface:   surface,
		requestID: uuid.NewString(),
		target:    target,
		sourceIP:  clientIP(r),
	}
	st.correlationID = r.Header.Get("X-Correlation-ID")
	if st.correlationID == "" {
		st.correlationID = st.requestID
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.requestTimeout())
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxRequestBytes()))
	if err != nil {
		p.metrics.RecordParseFailure()
		p.fail(w, st, fmt.Errorf("%w: reading body: %v", parser.ErrParseFailure, err))
		return
	}

	ident, authErr := p.auth.Identify(r)
	if authErr != nil {
		if p.cfg.modeFor(surface) == AuthModeEnforce {
			p.metrics.RecordAuthRejected()
			p.fail(w, st, fmt.Errorf("%w: %v", ErrAuthRequired, authErr))
			return
		}
		if !errors.Is(authErr, ErrNoCredentials) {
			p.log.Warn(st.correlationID, "Credentials rejected, continuing unauthenticated", map[string]interface{}{
				"error":   authErr.Error(),
				"surface": surface,
			})
		}
	}

	raw := &parser.RawRequest{
		Method:        r.Method,
		URL:           target,
		Headers:       r.Header,
		Body:          body,
		CorrelationID: st.correlationID,
		SourceIP:      st.sourceIP,
		UserAgent:     r.UserAgent(),
	}

	req, err := p.parsers.Parse(raw)
	if err != nil {
		p.metrics.RecordParseFailure()
		p.fail(w, st, err)
		return
	}
	if ident.UserID != "" {
		req.Metadata.UserID = ident.UserID
		req.Metadata.Tenant = ident.Tenant
	}
	st.req = req

	// Rate limit on the authenticated identity, falling back to the
	// source address for anonymous callers.
	limitKey := ident.UserID
	if limitKey == "" {
		limitKey = st.sourceIP
	}
	if ok, retryAfter, _ := p.limiter.Allow(ctx, limitKey); !ok {
		p.metrics.RecordRateLimited()
		p.rejectRateLimited(w, st, retryAfter)
		return
	}

	fingerprint := cache.Fingerprint(req)

	// A live stream cannot be replayed from a stored body, so streaming
	// requests skip the cache in both directions.
	if !req.Stream {
		if entry, ok := p.cache.Get(fingerprint); ok {
			p.metrics.RecordCache(true)
			p.replayCached(w, st, entry)
			return
		}
		p.metrics.RecordCache(false)
	}

	verdict := p.scanners.Scan(ctx, req)
	st.verdict = &verdict
	p.metrics.RecordScan(verdict.TotalExecutionTime)

	st.decision = p.policies.Evaluate(req, &verdict)
	p.metrics.RecordDecision(st.decision.Action)

	switch st.decision.Action {
	case policy.ActionBlock:
		p.rejectBlocked(w, st)
		return

	case policy.ActionQueue:
		p.acceptQueued(w, st)
		return

	case policy.ActionModify:
		// Redact both the normalised request and the outbound body so
		// the upstream never sees the matched spans.
		redacted, reqChanged := p.redactor.RedactRequest(req)
		st.req = redacted
		req = redacted
		var bodyChanged bool
		body, bodyChanged = p.redactor.RedactBody(body)
		st.modified = reqChanged || bodyChanged
		if st.modified {
			p.log.Info(st.correlationID, "Request content redacted", map[string]interface{}{
				"policy_id": st.decision.PolicyID,
			})
		}

	case policy.ActionRedirect:
		p.applyRedirect(st)

	case policy.ActionAlert:
		p.log.Warn(st.correlationID, "Policy alert raised", map[string]interface{}{
			"policy_id":    st.decision.PolicyID,
			"threat_level": string(verdict.OverallThreatLevel),
		})

	case policy.ActionLog:
		p.log.Info(st.correlationID, "Policy log action", map[string]interface{}{
			"policy_id": st.decision.PolicyID,
		})
	}

	outReq, err := p.buildUpstreamRequest(ctx, r, st, body)
	if err != nil {
		p.fail(w, st, err)
		return
	}

	if req.Stream {
		p.forwardStream(ctx, w, st, outReq)
		return
	}
	p.forwardBuffered(ctx, w, st, outReq, fingerprint)
}

// applyRedirect rewrites the upstream target from the matched policy's
// redirect_target metadata. An unusable target keeps the original.
func (p *Pipeline) applyRedirect(st *requestState) {
	raw := st.decision.Metadata["redirect_target"]
	if raw == "" {
		p.log.Warn(st.correlationID, "Redirect policy carries no redirect_target, keeping original target", map[string]interface{}{
			"policy_id": st.decision.PolicyID,
		})
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		p.log.Warn(st.correlationID, "Redirect target unusable, keeping original target", map[string]interface{}{
			"policy_id":       st.decision.PolicyID,
			"redirect_target": raw,
		})
		return
	}
	if u.Path == "" {
		u.Path = st.target.Path
	}
	p.log.Info(st.correlationID, "Redirecting upstream target", map[string]interface{}{
		"policy_id": st.decision.PolicyID,
		"from":      st.target.Host,
		"to":        u.Host,
	})
	st.target = u
}

// hopHeaders are connection-scoped and never forwarded in either
// direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopHeader(key string) bool {
	return hopHeaders[http.CanonicalHeaderKey(key)]
}

// buildUpstreamRequest assembles the outbound call: same method, the
// resolved target, the (possibly redacted) body, and the client's
// headers minus connection-scoped ones and the gateway's own
// credentials. The vendor Authorization header passes through untouched.
// Accept-Encoding is dropped so the transport negotiates gzip itself and
// hands the processor a decoded body.
func (p *Pipeline) buildUpstreamRequest(ctx context.Context, r *http.Request, st *requestState, body []byte) (*http.Request, error) {
	outReq, err := http.NewRequestWithContext(ctx, r.Method, st.target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	outReq.Header = cloneHeader(r.Header)
	for key := range hopHeaders {
		outReq.Header.Del(key)
	}
	outReq.Header.Del("X-API-Key")
	outReq.Header.Del("Accept-Encoding")
	outReq.Header.Set("X-Correlation-ID", st.correlationID)
	outReq.Host = st.target.Host
	outReq.ContentLength = int64(len(body))
	return outReq, nil
}

// forwardBuffered sends the request upstream through the deduplicator
// and replays the processed response. Concurrent identical requests
// share one upstream call and fan the same body out.
func (p *Pipeline) forwardBuffered(ctx context.Context, w http.ResponseWriter, st *requestState, outReq *http.Request, fingerprint string) {
	producer := func() (interface{}, error) {
		ex, err := p.client.Do(ctx, st.correlationID, outReq)
		if err != nil {
			return nil, err
		}
		pr, perr := p.responses.Process(st.correlationID, ex.Response)
		ex.Finish(perr)
		if perr != nil {
			return nil, perr
		}
		if pr.StatusCode == http.StatusOK {
			p.storeCached(fingerprint, pr)
		}
		return pr, nil
	}

	v, shared, err := p.dedup.Execute(ctx, fingerprint, producer)
	if err != nil {
		_, kind := statusFor(err)
		p.metrics.RecordUpstreamFailure(kind)
		p.fail(w, st, err)
		return
	}
	if shared {
		p.log.Debug(st.correlationID, "Response shared with concurrent identical request", nil)
	}

	pr := v.(*ProcessedResponse)
	st.modified = st.modified || pr.Modified
	p.writeUpstreamResponse(w, st, pr)
	p.emitSuccess(st, pr.StatusCode)
}

// forwardStream pipes a streaming upstream body to the client through
// the stream pipeline. Once headers are out, a mid-stream failure can
// only end the stream; the flushed prefix stands and the audit record
// carries the error.
func (p *Pipeline) forwardStream(ctx context.Context, w http.ResponseWriter, st *requestState, outReq *http.Request) {
	ex, err := p.client.Do(ctx, st.correlationID, outReq)
	if err != nil {
		_, kind := statusFor(err)
		p.metrics.RecordUpstreamFailure(kind)
		p.fail(w, st, err)
		return
	}
	resp := ex.Response

	header := w.Header()
	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Del("Content-Length")
	header.Set("X-Proxilion-Streaming", "true")
	header.Set("X-Cache", "MISS")
	// Header time precedes body time: the flag can only report the
	// request-side rewrite here. Chunk redaction is visible in the
	// audit record.
	header.Set("X-Content-Modified", strconv.FormatBool(st.modified))
	header.Set("X-Response-Time", responseTime(st.start))
	w.WriteHeader(resp.StatusCode)

	cfg := p.cfg.Stream
	cfg.EventStream = stream.IsEventStream(resp.Header)
	if p.cfg.ScanResponses || st.decision.Action == policy.ActionModify {
		cfg.Redactor = p.redactor.StreamRedactor()
	}

	result, runErr := stream.New(cfg).Run(ctx, st.correlationID, resp.Body, w)
	ex.Finish(runErr)
	p.metrics.RecordStream(result.ChunksOut)
	if result.Modified {
		st.modified = true
	}

	if runErr != nil {
		_, kind := statusFor(runErr)
		p.metrics.RecordUpstreamFailure(kind)
		p.emitAudit(st, model.AuditError, "stream_failed", "error",
			fmt.Sprintf("stream ended early: %s", kind), resp.StatusCode)
		return
	}
	p.emitSuccess(st, resp.StatusCode)
}

// storeCached persists a successful response under the request
// fingerprint. The stored header carries X-Content-Modified so replays
// report the response-side rewrite faithfully.
func (p *Pipeline) storeCached(fingerprint string, pr *ProcessedResponse) {
	header := cloneHeader(pr.Header)
	for key := range hopHeaders {
		header.Del(key)
	}
	header.Set("X-Content-Modified", strconv.FormatBool(pr.Modified))
	p.cache.Set(fingerprint, &cache.Entry{
		StatusCode: pr.StatusCode,
		Header:     header,
		Body:       pr.Body,
		StoredAt:   time.Now(),
	})
	p.metrics.RecordCacheStore()
}

// replayCached answers the request from a stored response.
func (p *Pipeline) replayCached(w http.ResponseWriter, st *requestState, entry *cache.Entry) {
	header := w.Header()
	for k, vv := range entry.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if header.Get("X-Content-Modified") == "" {
		header.Set("X-Content-Modified", "false")
	}
	header.Set("X-Cache", "HIT")
	header.Set("X-Response-Time", responseTime(st.start))
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(entry.StatusCode)
	if _, err := w.Write(entry.Body); err != nil {
		p.log.WarnWithError(st.correlationID, "Failed to write cached response", err, nil)
	}

	p.log.InfoWithDuration(st.correlationID, "Request served from cache",
		float64(time.Since(st.start).Milliseconds()), map[string]interface{}{
			"age_seconds": time.Since(entry.StoredAt).Seconds(),
		})
	p.emitAudit(st, model.AuditInfo, "cache_hit", "allow", "request served from cache", entry.StatusCode)
}

// writeUpstreamResponse replays a processed upstream answer with the
// gateway headers attached.
func (p *Pipeline) writeUpstreamResponse(w http.ResponseWriter, st *requestState, pr *ProcessedResponse) {
	header := w.Header()
	for k, vv := range pr.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set("X-Cache", "MISS")
	header.Set("X-Content-Modified", strconv.FormatBool(st.modified))
	header.Set("X-Response-Time", responseTime(st.start))
	header.Set("Content-Length", strconv.Itoa(len(pr.Body)))
	w.WriteHeader(pr.StatusCode)
	if _, err := w.Write(pr.Body); err != nil {
		p.log.WarnWithError(st.correlationID, "Failed to write response to client", err, nil)
	}
}

// fail maps err onto the outward status and error body. Internal detail
// stays in the log; the client sees the code and a generic message.
func (p *Pipeline) fail(w http.ResponseWriter, st *requestState, err error) {
	status, code := statusFor(err)
	p.log.ErrorWithCode(st.correlationID, "Request failed", status, err, map[string]interface{}{
		"code":    code,
		"surface": st.surface,
	})

	writeError(w, status, errorBody{
		Error:         messageFor(code),
		CorrelationID: st.correlationID,
		Code:          code,
	})

	level := model.AuditError
	if status < http.StatusInternalServerError {
		level = model.AuditWarn
	}
	p.emitAudit(st, level, "failed", "error", fmt.Sprintf("request failed: %s", code), status)
}

func (p *Pipeline) rejectRateLimited(w http.ResponseWriter, st *requestState, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	writeError(w, http.StatusTooManyRequests, errorBody{
		Error:         messageFor("rate-limited"),
		CorrelationID: st.correlationID,
		Code:          "rate-limited",
		RetryAfter:    seconds,
	})
	p.emitAudit(st, model.AuditWarn, "rate_limited", "reject", "request rate limited", http.StatusTooManyRequests)
}

func (p *Pipeline) rejectBlocked(w http.ResponseWriter, st *requestState) {
	code := "policy-block"
	if !st.decision.Matched {
		code = "default-block"
	}
	threat := st.verdict.OverallThreatLevel

	p.log.Info(st.correlationID, "Request blocked", map[string]interface{}{
		"policy_id":    st.decision.PolicyID,
		"threat_level": string(threat),
		"reason":       st.decision.Reason,
	})
	writeError(w, http.StatusForbidden, errorBody{
		Error:         "request blocked by policy",
		Reason:        st.decision.Reason,
		CorrelationID: st.correlationID,
		ThreatLevel:   threat,
		Code:          code,
	})
	p.emitAudit(st, model.AuditLevelFor(threat), "blocked", "block",
		fmt.Sprintf("request blocked: %s", st.decision.Reason), http.StatusForbidden)
}

func (p *Pipeline) acceptQueued(w http.ResponseWriter, st *requestState) {
	item := p.reviews.Add(st.req, st.decision, st.verdict.OverallThreatLevel)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":        "queued",
		"reviewId":      item.ID,
		"correlationId": st.correlationID,
		"expiresAt":     item.ExpiresAt,
	})
	p.emitAudit(st, model.AuditLevelFor(st.verdict.OverallThreatLevel), "queued", "queue",
		"request queued for review", http.StatusAccepted)
}

func (p *Pipeline) emitSuccess(st *requestState, status int) {
	eventType := "completed"
	if st.req != nil && st.req.Stream {
		eventType = "stream_completed"
	}
	decision := "allow"
	if st.decision.Action != "" {
		decision = string(st.decision.Action)
	}
	level := model.AuditInfo
	if st.verdict != nil {
		level = model.AuditLevelFor(st.verdict.OverallThreatLevel)
	}
	if st.decision.Action == policy.ActionAlert && level == model.AuditInfo {
		level = model.AuditWarn
	}
	p.emitAudit(st, level, eventType, decision,
		fmt.Sprintf("request completed with status %d", status), status)
}

// emitAudit queues the request's single audit record and closes the
// request in the metrics. The audited flag makes a second emission a
// no-op no matter which exit paths run.
func (p *Pipeline) emitAudit(st *requestState, level model.AuditLevel, eventType, decision, message string, status int) {
	if st.audited {
		return
	}
	st.audited = true
	elapsed := time.Since(st.start)

	rec := &model.AuditRecord{
		ID:            uuid.NewString(),
		RequestID:     st.requestID,
		Timestamp:     time.Now().UTC(),
		Level:         level,
		Type:          "request",
		Message:       message,
		CorrelationID: st.correlationID,
		EventType:     eventType,
		Decision:      decision,
		ThreatLevel:   model.SeverityNone,
		Provider:      model.ProviderUnknown,
		Duration:      float64(elapsed.Milliseconds()),
		Findings:      []model.Finding{},
		TargetService: st.target.Host,
		SourceIP:      st.sourceIP,
	}
	if st.req != nil {
		rec.Provider = st.req.Provider
		rec.Model = st.req.Model
		rec.UserID = st.req.Metadata.UserID
	}
	if st.verdict != nil {
		rec.ThreatLevel = st.verdict.OverallThreatLevel
		rec.Findings = st.verdict.Findings
	}
	if st.decision.Matched {
		rec.PolicyID = st.decision.PolicyID
	}
	if st.decision.Action != "" {
		rec.Action = string(st.decision.Action)
	}

	p.audit.Emit(rec)
	p.metrics.RecordRequest(st.surface, status, decision, elapsed)
}

func (p *Pipeline) requestTimeout() time.Duration {
	if p.cfg.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return p.cfg.RequestTimeout
}

func (p *Pipeline) maxRequestBytes() int64 {
	if p.cfg.MaxRequestBytes <= 0 {
		return DefaultMaxRequestBytes
	}
	return p.cfg.MaxRequestBytes
}

func responseTime(start time.Time) string {
	return fmt.Sprintf("%dms", time.Since(start).Milliseconds())
}

// clientIP extracts the caller address, preferring the first
// X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
