// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package upstream

import (
	"container/list"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"proxilion/gateway/shared/logger"
)

// Pool defaults.
const (
	DefaultMaxPerHost     = 10
	DefaultMaxIdleTime    = 90 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
	DefaultReapInterval   = 30 * time.Second
)

// Pool errors.
var (
	ErrAcquireTimeout = errors.New("upstream: connection acquire timed out")
	ErrPoolClosed     = errors.New("upstream: pool is closed")
)

// PoolConfig bounds the per-host connection pools.
type PoolConfig struct {
	MaxPerHost     int
	MaxIdleTime    time.Duration
	AcquireTimeout time.Duration
	ReapInterval   time.Duration
}

// Connection is a lease on per-host upstream capacity. Connections for
// one host share a tuned transport so TCP and TLS sessions are reused
// underneath the lease accounting.
type Connection struct {
	ID        string
	Host      string
	Transport *http.Transport
	CreatedAt time.Time

	lastUsed time.Time
}

type waiter struct {
	ch chan *Connection
}

// hostPool is the per-host state: idle leases, the live lease count, and
// the FIFO queue of blocked acquirers.
type hostPool struct {
	transport *http.Transport
	idle      []*Connection
	total     int
	waiters   *list.List
}

// Pool hands out connections per upstream host. Saturation on one host
// never blocks acquisition for another; each host has its own capacity,
// idle list, and wait queue.
type Pool struct {
	mu     sync.Mutex
	hosts  map[string]*hostPool
	cfg    PoolConfig
	closed bool
	done   chan struct{}
	log    *logger.Logger

	created  uint64
	acquired uint64
	timeouts uint64
	reaped   uint64
}

// NewPool creates the pool and starts its idle reaper.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = DefaultMaxPerHost
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	p := &Pool{
		hosts: make(map[string]*hostPool),
		cfg:   cfg,
		done:  make(chan struct{}),
		log:   logger.New("pool"),
	}
	go p.reapLoop()
	return p
}

// Acquire returns a connection for the host, waiting FIFO behind earlier
// acquirers when the host is saturated. The wait is bounded by the
// acquire timeout and by ctx.
func (p *Pool) Acquire(ctx context.Context, host string) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	hp := p.hostLocked(host)

	if n := len(hp.idle); n > 0 {
		conn := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
		conn.lastUsed = time.Now()
		p.acquired++
		p.mu.Unlock()
		return conn, nil
	}
	if hp.total < p.cfg.MaxPerHost {
		hp.total++
		p.created++
		p.acquired++
		conn := p.newConnection(host, hp.transport)
		p.mu.Unlock()
		return conn, nil
	}

	w := &waiter{ch: make(chan *Connection, 1)}
	elem := hp.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		return conn, nil
	case <-ctx.Done():
		p.abandonWait(host, elem, w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWait(host, elem, w)
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	}
}

// abandonWait removes a waiter from the queue. If a release already
// handed it a connection, the connection is put back into circulation.
func (p *Pool) abandonWait(host string, elem *list.Element, w *waiter) {
	p.mu.Lock()
	hp := p.hosts[host]
	if hp != nil {
		for e := hp.waiters.Front(); e != nil; e = e.Next() {
			if e == elem {
				hp.waiters.Remove(e)
				p.mu.Unlock()
				return
			}
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore: the handoff won the race.
	select {
	case conn := <-w.ch:
		p.Release(conn)
	default:
	}
}

// Release returns a connection to its host pool. A queued waiter gets it
// handed over directly; otherwise it joins the idle list.
func (p *Pool) Release(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	hp := p.hosts[conn.Host]
	if hp == nil || p.closed {
		p.mu.Unlock()
		conn.Transport.CloseIdleConnections()
		return
	}
	conn.lastUsed = time.Now()
	if elem := hp.waiters.Front(); elem != nil {
		hp.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		p.acquired++
		p.mu.Unlock()
		w.ch <- conn
		return
	}
	hp.idle = append(hp.idle, conn)
	p.mu.Unlock()
}

// Discard drops a connection whose transport failed instead of recycling
// it. Freed capacity goes to the first waiter as a fresh connection.
func (p *Pool) Discard(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	hp := p.hosts[conn.Host]
	if hp == nil {
		p.mu.Unlock()
		return
	}
	if elem := hp.waiters.Front(); elem != nil {
		hp.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		p.created++
		p.acquired++
		fresh := p.newConnection(conn.Host, hp.transport)
		p.mu.Unlock()
		w.ch <- fresh
		return
	}
	hp.total--
	p.mu.Unlock()
}

// Close shuts the pool down. Idle transports are drained; connections
// still leased keep working and are dropped on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	hosts := p.hosts
	p.hosts = make(map[string]*hostPool)
	p.mu.Unlock()

	for _, hp := range hosts {
		hp.transport.CloseIdleConnections()
	}
}

// GetStats returns occupancy counters for the status surface.
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	perHost := make(map[string]interface{}, len(p.hosts))
	totalIdle, totalLive, totalWaiting := 0, 0, 0
	for host, hp := range p.hosts {
		waiting := hp.waiters.Len()
		perHost[host] = map[string]interface{}{
			"total":   hp.total,
			"idle":    len(hp.idle),
			"waiting": waiting,
		}
		totalIdle += len(hp.idle)
		totalLive += hp.total
		totalWaiting += waiting
	}
	return map[string]interface{}{
		"hosts":            perHost,
		"connections":      totalLive,
		"idle_connections": totalIdle,
		"waiting":          totalWaiting,
		"created":          p.created,
		"acquired":         p.acquired,
		"acquire_timeouts": p.timeouts,
		"reaped":           p.reaped,
		"max_per_host":     p.cfg.MaxPerHost,
	}
}

// hostLocked returns the host's pool, creating it on first use. Caller
// holds p.mu.
func (p *Pool) hostLocked(host string) *hostPool {
	hp, ok := p.hosts[host]
	if !ok {
		hp = &hostPool{
			transport: newTransport(p.cfg),
			waiters:   list.New(),
		}
		p.hosts[host] = hp
	}
	return hp
}

func (p *Pool) newConnection(host string, transport *http.Transport) *Connection {
	now := time.Now()
	return &Connection{
		ID:        uuid.NewString(),
		Host:      host,
		Transport: transport,
		CreatedAt: now,
		lastUsed:  now,
	}
}

// newTransport builds the per-host transport. Idle TCP keepalive inside
// the transport mirrors the pool's own idle bound.
func newTransport(cfg PoolConfig) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxPerHost,
		MaxIdleConnsPerHost:   cfg.MaxPerHost,
		MaxConnsPerHost:       cfg.MaxPerHost,
		IdleConnTimeout:       cfg.MaxIdleTime,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// reapLoop periodically drops leases idle beyond the configured bound.
// Hosts with no leases and no waiters are removed entirely and their
// transports drained.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *Pool) reap() {
	cutoff := time.Now().Add(-p.cfg.MaxIdleTime)
	var drained []*http.Transport

	p.mu.Lock()
	for host, hp := range p.hosts {
		kept := hp.idle[:0]
		for _, conn := range hp.idle {
			if conn.lastUsed.Before(cutoff) {
				hp.total--
				p.reaped++
				continue
			}
			kept = append(kept, conn)
		}
		hp.idle = kept
		if hp.total == 0 && hp.waiters.Len() == 0 {
			drained = append(drained, hp.transport)
			delete(p.hosts, host)
		}
	}
	p.mu.Unlock()

	for _, t := range drained {
		t.CloseIdleConnections()
	}
}
