// Package cluster routes commands across the shards of a cluster. It keeps a
// slot table learned from CLUSTER SHARDS, one pipeline per node, and follows
// MOVED and ASK redirects within per-call bounds.
package cluster

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/valyala/fastrand"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
    "github.com/amirimatin/go-kvcluster/pkg/slots"
    "github.com/amirimatin/go-kvcluster/pkg/topology"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

// Cluster is a client for a sharded deployment.
type Cluster struct {
    opts   Options
    router *topology.Router
    pool   *pool
    eb     eventBus

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup

    rebuilding atomic.Bool
    readyCh    chan struct{}
    readyOnce  sync.Once
}

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to fetch the topology.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts.setDefaults()
    c := &Cluster{opts: opts, router: topology.NewRouter(opts.Logger), readyCh: make(chan struct{})}
    c.pool = newPool(opts.IdleTimeout, c.dial, c.known)
    c.ctx, c.cancel = context.WithCancel(context.Background())
    return c, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Start begins fetching the topology from the seeds in the background. Use
// WhenRouterReady to wait for the first slot table.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed {
        return ErrStopped
    }
    if c.run.started {
        return nil
    }
    c.run.started = true
    obsmetrics.Register()
    c.wg.Add(2)
    go func() {
        defer c.wg.Done()
        c.pool.janitor()
    }()
    go c.bootstrap()
    return ctx.Err()
}

// Stop cancels background work and closes every node connection. Calls in
// flight fail with pipeline.ErrClosed.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    if c.run.closed {
        c.mu.Unlock()
        return nil
    }
    c.run.closed = true
    c.mu.Unlock()

    c.cancel()
    c.pool.close()
    done := make(chan struct{})
    go func() {
        c.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (c *Cluster) stopped() bool { return c.ctx.Err() != nil }

// Router exposes the slot table.
func (c *Cluster) Router() *topology.Router { return c.router }

// WhenRouterReady returns immediately when a slot table is installed,
// otherwise it waits for the next successful rebuild.
func (c *Cluster) WhenRouterReady(ctx context.Context) error {
    if !c.router.IsEmpty() { return nil }
    select {
    case <-c.readyCh:
        return nil
    case <-c.ctx.Done():
        return ErrStopped
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (c *Cluster) routerReady(via string) {
    c.readyOnce.Do(func() { close(c.readyCh) })
    snap := c.router.Snapshot()
    logutil.Infof(c.opts.Logger, "cluster: slot table via %s: %d ranges, %d nodes", via, len(snap.Ranges()), len(snap.Nodes()))
    c.eb.publish(Event{Type: EventRouterRebuilt, Endpoint: via, Details: map[string]string{
        "ranges": fmt.Sprint(len(snap.Ranges())),
        "nodes":  fmt.Sprint(len(snap.Nodes())),
    }})
}

func (c *Cluster) seeds() []string {
    out := append([]string(nil), c.opts.Seeds...)
    if c.opts.Discovery != nil { out = append(out, c.opts.Discovery.Seeds()...) }
    return out
}

// bootstrap tries the seeds round-robin, starting at a random one, until a
// slot table is installed.
func (c *Cluster) bootstrap() {
    defer c.wg.Done()
    next := -1
    for attempt := 0; ; attempt++ {
        if c.stopped() || !c.router.IsEmpty() { return }
        seeds := c.seeds()
        if len(seeds) == 0 {
            c.failed("", ErrNoSeeds)
        } else {
            if next < 0 { next = int(fastrand.Uint32n(uint32(len(seeds)))) }
            addr := seeds[next%len(seeds)]
            next++
            err := c.fromSeed(addr)
            if err == nil {
                c.routerReady(addr)
                return
            }
            c.failed(addr, err)
        }
        delay := transport.Backoff(attempt, c.opts.SeedMinBackoff, c.opts.SeedMaxBackoff)
        select {
        case <-c.ctx.Done():
            return
        case <-time.After(delay):
        }
    }
}

func (c *Cluster) failed(endpoint string, err error) {
    if c.stopped() { return }
    logutil.Warnf(c.opts.Logger, "cluster: topology via %q failed: %v", endpoint, err)
    c.eb.publish(Event{Type: EventRebuildFailed, Endpoint: endpoint, Err: err})
}

// fromSeed connects to addr outside the pool, learns its node id and rebuilds
// the table through it. The seed connection is always discarded.
func (c *Cluster) fromSeed(addr string) error {
    ctx, cancel := context.WithTimeout(c.ctx, c.opts.ClientTimeout)
    defer cancel()
    host, port, err := splitEndpoint(addr)
    if err != nil { return err }
    p, err := c.dial(addr, c.opts.TLS != nil, false)
    if err != nil { return err }
    defer p.Stop()
    if err := p.WhenReady(ctx); err != nil { return fmt.Errorf("cluster: seed %s: %w", addr, err) }
    v, err := p.Cmd(ctx, []any{"CLUSTER", "MYID"}, call.UTF8Res())
    if err != nil { return fmt.Errorf("cluster: seed %s: %w", addr, err) }
    id, _ := resp.AsString(v)
    via := topology.NewNode(id, []string{host}, port)
    via.Attach(p)
    return c.router.Rebuild(ctx, via)
}

// scheduleRebuild starts a rebuild unless one is already running. A failed
// rebuild is retried with capped backoff.
func (c *Cluster) scheduleRebuild() {
    if c.stopped() || !c.rebuilding.CompareAndSwap(false, true) { return }
    c.wg.Add(1)
    go func() {
        defer c.wg.Done()
        defer c.rebuilding.Store(false)
        for attempt := 0; ; attempt++ {
            via, err := c.rebuild()
            if err == nil {
                c.routerReady(via)
                return
            }
            c.failed(via, err)
            select {
            case <-c.ctx.Done():
                return
            case <-time.After(transport.Backoff(attempt, c.opts.RebuildMinBackoff, c.opts.RebuildMaxBackoff)):
            }
        }
    }()
}

// Refresh asks for a slot table rebuild. It is a no-op while the initial
// table is still being fetched or a rebuild is running.
func (c *Cluster) Refresh() {
    if c.router.IsEmpty() { return }
    c.scheduleRebuild()
}

func (c *Cluster) rebuild() (string, error) {
    n := c.router.RandomNode()
    if n == nil { return "", ErrEmptyTopology }
    _, release, err := c.clientFor(n)
    if err != nil { return n.Endpoint(), err }
    defer release()
    ctx, cancel := context.WithTimeout(c.ctx, c.opts.ClientTimeout)
    defer cancel()
    return n.Endpoint(), c.router.Rebuild(ctx, n)
}

func (c *Cluster) dial(endpoint string, useTLS, readonly bool) (*pipeline.Client, error) {
    var init [][]any
    if readonly { init = [][]any{{"READONLY"}} }
    p, err := pipeline.New(pipeline.Options{
        Transport: c.opts.NewTransport(endpoint, useTLS),
        User:      c.opts.User,
        Password:  c.opts.Password,
        Init:      init,
        Scripts:   c.opts.Scripts,
        Logger:    c.opts.Logger,
    })
    if err != nil { return nil, err }
    p.OnError.Listen(func(err error) {
        logutil.Debugf(c.opts.Logger, "cluster: %s: %v", endpoint, err)
        c.eb.publish(Event{Type: EventError, Endpoint: endpoint, Err: err})
    })
    if err := p.Start(); err != nil { return nil, err }
    return p, nil
}

// known reports whether endpoint belongs to a node of the current table.
func (c *Cluster) known(endpoint string) bool {
    host, port, err := splitEndpoint(endpoint)
    if err != nil { return false }
    return c.router.NodeByEndpoint(host, port) != nil
}

// clientFor returns the pooled pipeline of n and attaches it to the node.
func (c *Cluster) clientFor(n *topology.Node) (*pipeline.Client, func(), error) {
    ep := n.Endpoint()
    if ep == "" { return nil, func() {}, fmt.Errorf("%w: node %s has no endpoint", ErrNoClient, n.ID) }
    p, release, err := c.pool.get(ep, n.TLS, n.Role() == topology.RoleReplica)
    if err != nil { return nil, release, err }
    if cur := n.Client(); cur != nil && cur != topology.Client(p) { n.Detach(cur) }
    n.Attach(p)
    return p, release, nil
}

// clientAt returns the pooled pipeline for an endpoint named by a redirect.
func (c *Cluster) clientAt(endpoint string) (*pipeline.Client, func(), error) {
    host, port, err := splitEndpoint(endpoint)
    if err != nil { return nil, func() {}, err }
    if n := c.router.NodeByEndpoint(host, port); n != nil { return c.clientFor(n) }
    return c.pool.get(endpoint, c.opts.TLS != nil, false)
}

func (c *Cluster) anyClient() (*pipeline.Client, func(), error) {
    if n := c.router.RandomNode(); n != nil { return c.clientFor(n) }
    seeds := c.seeds()
    if len(seeds) == 0 { return nil, func() {}, ErrNoClient }
    return c.clientAt(seeds[fastrand.Uint32n(uint32(len(seeds)))])
}

func (c *Cluster) clientForKey(ctx context.Context, key string, master bool) (*pipeline.Client, func(), error) {
    if c.stopped() { return nil, func() {}, ErrStopped }
    if key == "" { return c.anyClient() }
    if err := c.WhenRouterReady(ctx); err != nil { return nil, func() {}, err }
    slot := slots.OfString(key)
    var n *topology.Node
    if master {
        n = c.router.Master(slot)
    } else {
        n = c.router.ReadCandidate(slot)
    }
    if n == nil {
        obsmetrics.ClusterRouteFailures.WithLabelValues("unserved_slot").Inc()
        return c.anyClient()
    }
    return c.clientFor(n)
}

// AnyClient returns the pipeline of a random known node, or of a random seed
// while no topology is known.
func (c *Cluster) AnyClient() (*pipeline.Client, error) {
    if c.stopped() { return nil, ErrStopped }
    p, release, err := c.anyClient()
    release()
    return p, err
}

// ClientForKey returns the pipeline serving key: its slot master when master
// is set, otherwise a read candidate. An empty key yields any node.
func (c *Cluster) ClientForKey(ctx context.Context, key string, master bool) (*pipeline.Client, error) {
    p, release, err := c.clientForKey(ctx, key, master)
    release()
    return p, err
}
