package cluster

import (
    "sync"
    "time"

    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
)

// pool caches one pipeline per endpoint. Pipelines for endpoints the
// topology no longer knows are closed once idle.
type pool struct {
    mu      sync.Mutex
    conns   map[string]*managedConn
    ttl     time.Duration
    dial    func(endpoint string, useTLS, readonly bool) (*pipeline.Client, error)
    keep    func(endpoint string) bool
    closed  bool
    closing chan struct{}
}

type managedConn struct {
    p        *pipeline.Client
    lastUsed time.Time
    ref      int
}

func newPool(ttl time.Duration, dial func(string, bool, bool) (*pipeline.Client, error), keep func(string) bool) *pool {
    if ttl <= 0 { ttl = DefaultIdleTimeout }
    return &pool{ttl: ttl, dial: dial, keep: keep, conns: make(map[string]*managedConn), closing: make(chan struct{})}
}

// get returns the pipeline for endpoint, creating it when missing, and a
// release func to be called when done.
func (m *pool) get(endpoint string, useTLS, readonly bool) (*pipeline.Client, func(), error) {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil, func() {}, ErrStopped
    }
    if mc, ok := m.conns[endpoint]; ok {
        mc.ref++
        mc.lastUsed = time.Now()
        p := mc.p
        m.mu.Unlock()
        return p, func() { m.release(endpoint) }, nil
    }
    m.mu.Unlock()

    // Dial outside lock
    p, err := m.dial(endpoint, useTLS, readonly)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = p.Stop()
        return nil, func() {}, ErrStopped
    }
    if existing, ok := m.conns[endpoint]; ok {
        // Race: another goroutine created it. Use existing and stop ours.
        existing.ref++
        existing.lastUsed = time.Now()
        out := existing.p
        m.mu.Unlock()
        _ = p.Stop()
        return out, func() { m.release(endpoint) }, nil
    }
    m.conns[endpoint] = &managedConn{p: p, lastUsed: time.Now(), ref: 1}
    obsmetrics.ClusterPipelines.Inc()
    m.mu.Unlock()
    return p, func() { m.release(endpoint) }, nil
}

func (m *pool) release(endpoint string) {
    m.mu.Lock()
    if mc, ok := m.conns[endpoint]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = time.Now()
    }
    m.mu.Unlock()
}

func (m *pool) lookup(endpoint string) *pipeline.Client {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc, ok := m.conns[endpoint]; ok { return mc.p }
    return nil
}

func (m *pool) len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

// close stops all cached pipelines and the janitor.
func (m *pool) close() {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return
    }
    m.closed = true
    close(m.closing)
    conns := m.conns
    m.conns = make(map[string]*managedConn)
    m.mu.Unlock()
    for _, mc := range conns {
        _ = mc.p.Stop()
        obsmetrics.ClusterPipelines.Dec()
    }
}

func (m *pool) janitor() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.closing:
            return
        case <-ticker.C:
            m.evict(time.Now().Add(-m.ttl))
        }
    }
}

func (m *pool) evict(cutoff time.Time) int {
    var stale []*pipeline.Client
    m.mu.Lock()
    for ep, mc := range m.conns {
        if mc.ref == 0 && mc.lastUsed.Before(cutoff) && !m.keep(ep) {
            stale = append(stale, mc.p)
            delete(m.conns, ep)
        }
    }
    m.mu.Unlock()
    for _, p := range stale {
        _ = p.Stop()
        obsmetrics.ClusterPipelines.Dec()
    }
    return len(stale)
}
