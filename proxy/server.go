// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"proxilion/gateway/cache"
	"proxilion/gateway/dedup"
	"proxilion/gateway/parser"
	"proxilion/gateway/policy"
	"proxilion/gateway/scanner"
	"proxilion/gateway/shared/logger"
	"proxilion/gateway/upstream"
)

const serviceName = "proxilion-gateway"

// vendorHosts names the upstreams the transparent surface recognises.
// API hosts and the vendors' browser UIs are listed; anything else on
// the catch-all route is a 404.
var vendorHosts = map[string]bool{
	"api.openai.com":                    true,
	"chat.openai.com":                   true,
	"chatgpt.com":                       true,
	"api.anthropic.com":                 true,
	"claude.ai":                         true,
	"generativelanguage.googleapis.com": true,
	"gemini.google.com":                 true,
	"bard.google.com":                   true,
	"api.cohere.ai":                     true,
	"api.cohere.com":                    true,
	"coral.cohere.com":                  true,
	"api-inference.huggingface.co":      true,
}

// Server owns the long-lived components and the HTTP surfaces. One
// Server handles the proxy routes, the admin API, and the
// health/status/metrics endpoints.
type Server struct {
	cfg      Config
	pipeline *Pipeline
	handler  http.Handler

	parsers  *parser.Registry
	scanners *scanner.Orchestrator
	policies *policy.Engine
	cache    *cache.Cache
	dedup    *dedup.Deduplicator
	pool     *upstream.Pool
	breakers *upstream.Registry
	client   *upstream.Client
	limiter  *RateLimiter
	auth     *Authenticator
	audit    *AuditQueue
	reviews  *ReviewQueue
	metrics  *Metrics
	rdb      *redis.Client

	log     *logger.Logger
	started time.Time
}

// NewServer wires every component from the configuration. The returned
// server is ready to serve; Close releases what NewServer started.
func NewServer(cfg Config) (*Server, error) {
	parsers := parser.NewRegistry()

	scanners := scanner.NewOrchestrator(scanner.Config{Timeout: cfg.ScanTimeout})
	scanners.Register(scanner.NewPIIScanner())
	scanners.Register(scanner.NewSecretsScanner())
	scanners.Register(scanner.NewInjectionScanner())
	scanners.Register(scanner.NewToxicityScanner())
	scanners.Register(scanner.NewComplianceScanner(scanner.DefaultComplianceTerms()))

	policies := policy.NewEngine()
	rules := policy.DefaultPolicies()
	if cfg.PolicyFile != "" {
		loaded, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("loading policy file %s: %w", cfg.PolicyFile, err)
		}
		rules = loaded
	}
	if err := policies.Replace(rules); err != nil {
		return nil, fmt.Errorf("installing policies: %w", err)
	}

	pool := upstream.NewPool(cfg.Pool)
	breakers := upstream.NewRegistry(cfg.Breakers)
	client := upstream.NewClient(pool, breakers)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	var sink AuditSink = NewStdoutSink()
	if cfg.AuditSink == "redis" && rdb != nil {
		sink = NewRedisListSink(rdb, "")
	}
	audit, err := NewAuditQueue(sink, cfg.AuditQueueSize, cfg.AuditWorkers, cfg.AuditFallbackPath)
	if err != nil {
		pool.Close()
		breakers.Close()
		return nil, fmt.Errorf("starting audit queue: %w", err)
	}

	redactor := NewRedactor("", cfg.RedactableTypes)

	s := &Server{
		cfg:      cfg,
		parsers:  parsers,
		scanners: scanners,
		policies: policies,
		cache:    cache.New(cfg.Cache),
		dedup:    dedup.New(dedup.Config{Timeout: cfg.DedupTimeout}),
		pool:     pool,
		breakers: breakers,
		client:   client,
		limiter:  NewRateLimiter(rdb, cfg.RateLimitPerMinute),
		auth:     NewAuthenticator(cfg.JWTSecret, cfg.APIKeys),
		audit:    audit,
		reviews:  NewReviewQueue(cfg.ReviewCapacity, cfg.ReviewExpiry),
		metrics:  NewMetrics(),
		rdb:      rdb,
		log:      logger.New("server"),
		started:  time.Now(),
	}
	s.pipeline = newPipeline(cfg, pipelineDeps{
		parsers:   s.parsers,
		scanners:  s.scanners,
		policies:  s.policies,
		cache:     s.cache,
		dedup:     s.dedup,
		client:    s.client,
		limiter:   s.limiter,
		auth:      s.auth,
		audit:     s.audit,
		reviews:   s.reviews,
		redactor:  redactor,
		responses: NewResponseProcessor(cfg.MaxResponseBytes, cfg.ScanResponses, redactor),
		metrics:   s.metrics,
	})
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully routed handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// routes builds the router. Order matters: the transparent catch-all is
// registered last so every named surface wins first.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	// The explicit surface carries whole URLs in the path; cleaning
	// would collapse the "//" after the scheme.
	r.SkipClean(true)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.Handle("/metrics/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	api.HandleFunc("/policies", s.handleCreatePolicy).Methods("POST")
	api.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods("GET")
	api.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods("PUT")
	api.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods("DELETE")
	api.HandleFunc("/review", s.handleListReviews).Methods("GET")
	api.HandleFunc("/review/{id}", s.handleGetReview).Methods("GET")
	api.HandleFunc("/review/{id}/approve", s.resolveReviewHandler(true)).Methods("POST")
	api.HandleFunc("/review/{id}/reject", s.resolveReviewHandler(false)).Methods("POST")
	api.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")

	r.PathPrefix("/proxy/").HandlerFunc(s.handleExplicit)
	r.PathPrefix("/").HandlerFunc(s.handleTransparent)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// handleExplicit serves /proxy/<upstream-url>. The target may be
// percent-escaped or literal; the method and body pass through to the
// pipeline untouched.
func (s *Server) handleExplicit(w http.ResponseWriter, r *http.Request) {
	target, err := proxyTarget(r)
	if err != nil {
		s.metrics.RecordParseFailure()
		writeError(w, http.StatusBadRequest, errorBody{
			Error:         "request could not be parsed",
			Reason:        err.Error(),
			CorrelationID: correlationFrom(r),
			Code:          "parse-failure",
		})
		return
	}
	s.pipeline.Serve(w, r, target, surfaceExplicit)
}

// handleTransparent serves requests whose Host header names a vendor.
// Unrecognised hosts get a 404 so a stray browser pointed at the proxy
// does not leak traffic upstream.
func (s *Server) handleTransparent(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if !vendorHosts[host] {
		writeError(w, http.StatusNotFound, errorBody{
			Error:         "not found",
			Reason:        "host is not a recognised vendor",
			CorrelationID: correlationFrom(r),
			Code:          "unknown-host",
		})
		return
	}
	target := &url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	s.pipeline.Serve(w, r, target, surfaceTransparent)
}

// proxyTarget extracts the upstream URL from an explicit /proxy/ path.
// A missing scheme defaults to https, and a scheme whose "//" was
// collapsed by an intermediary's path cleaning is repaired.
func proxyTarget(r *http.Request) (*url.URL, error) {
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/proxy/")
	if raw == "" {
		return nil, errors.New("missing upstream url")
	}
	target, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("bad escaping: %v", err)
	}
	if !strings.Contains(target, "://") {
		if i := strings.Index(target, ":/"); i > 0 {
			target = target[:i] + "://" + strings.TrimPrefix(target[i+1:], "/")
		} else {
			target = "https://" + target
		}
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("bad upstream url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("upstream url has no host")
	}
	return u, nil
}

// correlationFrom mirrors the pipeline's correlation rule for responses
// written before the pipeline is entered.
func correlationFrom(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC(),
		"version":   s.cfg.Version,
	})
}

// handleStatus aggregates every component's stats into one document.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":        serviceName,
		"version":        s.cfg.Version,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"scanners":       s.scanners.ScannerIDs(),
		"components": map[string]interface{}{
			"cache":      s.cache.GetStats(),
			"dedup":      s.dedup.GetStats(),
			"policies":   s.policies.GetStats(),
			"pool":       s.pool.GetStats(),
			"breakers":   s.breakers.GetStats(),
			"rate_limit": s.limiter.GetStats(),
			"audit":      s.audit.GetStats(),
			"review":     s.reviews.GetStats(),
		},
	})
}

// handleMetrics exposes the JSON counters. The Prometheus rendering of
// the same numbers lives at /metrics/prometheus.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := s.metrics.GetStats()
	stats["service"] = serviceName
	stats["uptime_seconds"] = int64(time.Since(s.started).Seconds())
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	list := s.policies.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": list,
		"count":    len(list),
	})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid policy document: "+err.Error())
		return
	}
	if err := s.policies.Add(&p); err != nil {
		if errors.Is(err, policy.ErrDuplicatePolicy) {
			writeAdminError(w, http.StatusConflict, err.Error())
			return
		}
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("", "Policy created", map[string]interface{}{
		"policy_id": p.ID,
		"priority":  p.Priority,
	})
	created, _ := s.policies.Get(p.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.policies.Get(mux.Vars(r)["id"])
	if !ok {
		writeAdminError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid policy document: "+err.Error())
		return
	}
	// The path names the policy; a conflicting body id is rejected
	// rather than silently renamed.
	id := mux.Vars(r)["id"]
	if p.ID == "" {
		p.ID = id
	} else if p.ID != id {
		writeAdminError(w, http.StatusBadRequest, "policy id in body does not match path")
		return
	}
	if err := s.policies.Update(&p); err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			writeAdminError(w, http.StatusNotFound, err.Error())
			return
		}
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("", "Policy updated", map[string]interface{}{"policy_id": id})
	updated, _ := s.policies.Get(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.policies.Remove(id); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Info("", "Policy deleted", map[string]interface{}{"policy_id": id})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "id": id})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	status := ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = ReviewPending
	}
	items := s.reviews.List(status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"count":  len(items),
		"status": status,
	})
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	item, ok := s.reviews.Get(mux.Vars(r)["id"])
	if !ok {
		writeAdminError(w, http.StatusNotFound, "review item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// resolveReviewHandler approves or rejects one queued request. The body
// may carry {"reviewer": "..."} for the audit trail.
func (s *Server) resolveReviewHandler(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reviewer string `json:"reviewer"`
		}
		if r.Body != nil {
			// An empty body is fine; only malformed JSON is rejected.
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				writeAdminError(w, http.StatusBadRequest, "invalid body: "+err.Error())
				return
			}
		}
		item, err := s.reviews.Resolve(mux.Vars(r)["id"], approve, body.Reviewer)
		if err != nil {
			switch {
			case errors.Is(err, ErrReviewNotFound):
				writeAdminError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, ErrReviewResolved):
				writeAdminError(w, http.StatusConflict, err.Error())
			default:
				writeAdminError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		s.log.Info(item.CorrelationID, "Review resolved", map[string]interface{}{
			"review_id": item.ID,
			"status":    item.Status,
			"reviewer":  body.Reviewer,
		})
		writeJSON(w, http.StatusOK, item)
	}
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	before := s.cache.Len()
	s.cache.Clear()
	s.log.Info("", "Cache cleared", map[string]interface{}{"evicted": before})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared", "evicted": before})
}

// writeAdminError is the admin API error shape. The proxy surfaces use
// the richer errorBody contract instead.
func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// Close releases everything NewServer started: the audit queue drains
// within ctx, background sweepers stop, and the Redis client closes.
func (s *Server) Close(ctx context.Context) {
	if err := s.audit.Shutdown(ctx); err != nil {
		s.log.WarnWithError("", "Audit queue shutdown incomplete", err, nil)
	}
	s.reviews.Close()
	s.pool.Close()
	s.breakers.Close()
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.WarnWithError("", "Redis close failed", err, nil)
		}
	}
}

// Run is the exported entry point for the gateway service. It builds
// the server from the environment, serves until SIGINT or SIGTERM, then
// drains in-flight work before exiting.
func Run() {
	cfg := FromEnv()
	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Gateway initialization failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	go func() {
		srv.log.Info("", "Gateway listening", map[string]interface{}{
			"port":     cfg.Port,
			"version":  cfg.Version,
			"scanners": srv.scanners.ScannerIDs(),
			"policies": srv.policies.Len(),
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	srv.log.Info("", "Shutdown signal received, draining", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		srv.log.WarnWithError("", "HTTP server shutdown incomplete", err, nil)
	}
	srv.Close(ctx)
	srv.log.Info("", "Gateway stopped", nil)
}
