// Package gossip discovers seeds through a memberlist pool. Agents running
// next to cluster nodes advertise the node's address in their metadata;
// clients join the same pool and read those addresses back.
package gossip

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "os"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "github.com/valyala/fastrand"

    "github.com/amirimatin/go-kvcluster/pkg/discovery"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
)

// MetaKey is the metadata key holding a member's advertised KV endpoint.
const MetaKey = "kv"

var (
    ErrNoBind     = errors.New("gossip: empty bind address")
    ErrNotStarted = errors.New("gossip: agent not started")
)

// Options configures an Agent.
type Options struct {
    // Name must be unique in the pool. Defaults to hostname plus a random
    // suffix.
    Name string
    // Bind is the gossip host:port (e.g. "0.0.0.0:7946"). Port 0 picks a
    // free port.
    Bind string
    // Advertise is the gossip address peers use, when it differs from Bind.
    Advertise string
    // Join lists gossip peers contacted on Start.
    Join []string
    // Endpoint is the KV address advertised to peers. Pure clients leave it
    // empty.
    Endpoint string

    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int

    Logger *log.Logger
}

// Member is a pool member as seen by this agent.
type Member struct {
    Name     string
    Addr     string
    Endpoint string
}

// Agent is a memberlist participant. It implements discovery.Discovery.
type Agent struct {
    opts Options

    mu sync.RWMutex
    ml *memberlist.Memberlist
}

func New(opts Options) (*Agent, error) {
    if opts.Bind == "" { return nil, ErrNoBind }
    if opts.Name == "" {
        host, _ := os.Hostname()
        opts.Name = fmt.Sprintf("%s-%08x", host, fastrand.Uint32())
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Endpoint != "" { opts.Endpoint = discovery.Normalize(opts.Endpoint) }
    return &Agent{opts: opts}, nil
}

// Start creates the memberlist instance and joins the configured peers. A
// failed join is logged, not returned: peers may come up later and find us.
func (a *Agent) Start(ctx context.Context) error {
    a.mu.Lock()
    defer a.mu.Unlock()
    if a.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = a.opts.Name
    host, port, err := splitHostPort(a.opts.Bind)
    if err != nil { return fmt.Errorf("gossip: bind %q: %w", a.opts.Bind, err) }
    cfg.BindAddr, cfg.BindPort = host, port
    if a.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(a.opts.Advertise)
        if err != nil { return fmt.Errorf("gossip: advertise %q: %w", a.opts.Advertise, err) }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if a.opts.ProbeInterval > 0 { cfg.ProbeInterval = a.opts.ProbeInterval }
    if a.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = a.opts.ProbeTimeout }
    if a.opts.SuspicionMult > 0 { cfg.SuspicionMult = a.opts.SuspicionMult }
    cfg.Logger = a.opts.Logger

    meta, _ := json.Marshal(map[string]string{MetaKey: a.opts.Endpoint})
    cfg.Delegate = &nodeDelegate{meta: meta}
    cfg.Events = &eventDelegate{logger: a.opts.Logger}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    a.ml = ml
    if len(a.opts.Join) > 0 {
        if n, err := ml.Join(a.opts.Join); err != nil {
            logutil.Warnf(a.opts.Logger, "gossip: joined %d of %d peers: %v", n, len(a.opts.Join), err)
        }
    }
    if done := ctx.Done(); done != nil {
        go func() {
            <-done
            _ = a.Stop()
        }()
    }
    return nil
}

// Join contacts more gossip peers.
func (a *Agent) Join(peers ...string) error {
    a.mu.RLock()
    ml := a.ml
    a.mu.RUnlock()
    if ml == nil { return ErrNotStarted }
    _, err := ml.Join(peers)
    return err
}

// Addr is the local gossip address, useful with port 0.
func (a *Agent) Addr() string {
    a.mu.RLock()
    defer a.mu.RUnlock()
    if a.ml == nil { return "" }
    n := a.ml.LocalNode()
    return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (a *Agent) Members() []Member {
    a.mu.RLock()
    defer a.mu.RUnlock()
    if a.ml == nil { return nil }
    nodes := a.ml.Members()
    out := make([]Member, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, Member{Name: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Endpoint: endpointOf(n.Meta)})
    }
    return out
}

// Seeds returns the KV endpoints advertised by live members, sorted.
func (a *Agent) Seeds() []string {
    set := make(map[string]struct{})
    for _, m := range a.Members() {
        if m.Endpoint != "" { set[m.Endpoint] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for s := range set { out = append(out, s) }
    sort.Strings(out)
    return out
}

// HealthScore is memberlist's awareness score, lower is healthier. It is -1
// before Start.
func (a *Agent) HealthScore() int {
    a.mu.RLock()
    defer a.mu.RUnlock()
    if a.ml == nil { return -1 }
    return a.ml.GetHealthScore()
}

// Stop leaves the pool and shuts the agent down.
func (a *Agent) Stop() error {
    a.mu.Lock()
    ml := a.ml
    a.ml = nil
    a.mu.Unlock()
    if ml == nil { return nil }
    _ = ml.Leave(time.Second)
    return ml.Shutdown()
}

func endpointOf(meta []byte) string {
    if len(meta) == 0 { return "" }
    var m map[string]string
    if err := json.Unmarshal(meta, &m); err != nil { return "" }
    return m[MetaKey]
}

func splitHostPort(addr string) (string, int, error) {
    host, p, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, err }
    port, err := strconv.Atoi(p)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("invalid port %q", p) }
    return host, port, nil
}

type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}
func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct{ logger *log.Logger }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    logutil.Debugf(d.logger, "gossip: %s joined (kv=%q)", n.Name, endpointOf(n.Meta))
}
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    logutil.Debugf(d.logger, "gossip: %s left", n.Name)
}
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {}

var _ discovery.Discovery = (*Agent)(nil)
