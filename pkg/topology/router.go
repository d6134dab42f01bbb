package topology

import (
    "context"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "sync/atomic"

    "github.com/valyala/fastrand"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
)

// Snapshot is one immutable view of the slot table. Node values are shared
// and mutate only through their own lock.
type Snapshot struct {
    ranges []*SlotRange // sorted by Min
    nodes  []*Node
    byID   map[string]*Node
    byAddr map[string]*Node
}

var emptySnapshot = &Snapshot{byID: map[string]*Node{}, byAddr: map[string]*Node{}}

func (s *Snapshot) add(n *Node) {
    s.nodes = append(s.nodes, n)
    s.byID[n.ID] = n
    for _, ep := range n.Endpoints() { s.byAddr[ep] = n }
}

// RangeFor returns the range holding slot, or nil when the slot is not
// served.
func (s *Snapshot) RangeFor(slot int) *SlotRange {
    i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Min > slot })
    if i == 0 { return nil }
    if r := s.ranges[i-1]; r.Contains(slot) { return r }
    return nil
}

func (s *Snapshot) Master(slot int) *Node {
    if r := s.RangeFor(slot); r != nil { return r.Master() }
    return nil
}

// ReadCandidate picks a random replica of the slot's range, or a random node
// of the range when it has no replica.
func (s *Snapshot) ReadCandidate(slot int) *Node {
    r := s.RangeFor(slot)
    if r == nil || len(r.Nodes) == 0 { return nil }
    if rs := r.Replicas(); len(rs) > 0 { return rs[fastrand.Uint32n(uint32(len(rs)))] }
    return r.Nodes[fastrand.Uint32n(uint32(len(r.Nodes)))]
}

func (s *Snapshot) RandomNode() *Node {
    if len(s.nodes) == 0 { return nil }
    return s.nodes[fastrand.Uint32n(uint32(len(s.nodes)))]
}

func (s *Snapshot) NodeByID(id string) *Node { return s.byID[id] }

func (s *Snapshot) NodeByEndpoint(host string, port int) *Node {
    return s.byAddr[net.JoinHostPort(host, strconv.Itoa(port))]
}

func (s *Snapshot) IsEmpty() bool { return len(s.ranges) == 0 }

func (s *Snapshot) Nodes() []*Node { return append([]*Node(nil), s.nodes...) }

func (s *Snapshot) Ranges() []*SlotRange { return append([]*SlotRange(nil), s.ranges...) }

// Router holds the current snapshot and replaces it wholesale on rebuild.
type Router struct {
    cur atomic.Pointer[Snapshot]
    log *log.Logger
}

func NewRouter(logger *log.Logger) *Router {
    if logger == nil { logger = log.Default() }
    r := &Router{log: logger}
    r.cur.Store(emptySnapshot)
    return r
}

func (r *Router) Snapshot() *Snapshot { return r.cur.Load() }

func (r *Router) IsEmpty() bool                        { return r.Snapshot().IsEmpty() }
func (r *Router) Master(slot int) *Node                { return r.Snapshot().Master(slot) }
func (r *Router) ReadCandidate(slot int) *Node         { return r.Snapshot().ReadCandidate(slot) }
func (r *Router) RandomNode() *Node                    { return r.Snapshot().RandomNode() }
func (r *Router) NodeByID(id string) *Node             { return r.Snapshot().NodeByID(id) }
func (r *Router) NodeByEndpoint(h string, p int) *Node { return r.Snapshot().NodeByEndpoint(h, p) }
func (r *Router) Nodes() []*Node                       { return r.Snapshot().Nodes() }
func (r *Router) Ranges() []*SlotRange                 { return r.Snapshot().Ranges() }

// MergeNode folds n into the known node with the same ID and returns it.
// Unknown nodes are added to a copy of the snapshot.
func (r *Router) MergeNode(n *Node) (*Node, error) {
    for {
        cur := r.cur.Load()
        if have := cur.byID[n.ID]; have != nil {
            return have, have.Merge(n)
        }
        next := &Snapshot{ranges: cur.ranges, byID: make(map[string]*Node, len(cur.byID)+1), byAddr: make(map[string]*Node, len(cur.byAddr)+1)}
        for _, have := range cur.nodes { next.add(have) }
        next.add(n)
        if r.cur.CompareAndSwap(cur, next) { return n, nil }
    }
}

// Rebuild asks via for CLUSTER SHARDS and installs the resulting snapshot.
// On any failure the current snapshot stays in place.
func (r *Router) Rebuild(ctx context.Context, via *Node) (err error) {
    ctx, end := tracing.StartSpan(ctx, "topology.rebuild", attribute.String("server.address", via.Endpoint()))
    defer end()
    defer func() {
        if err != nil {
            tracing.RecordError(ctx, err)
            obsmetrics.ClusterRebuilds.WithLabelValues("error").Inc()
        } else {
            obsmetrics.ClusterRebuilds.WithLabelValues("ok").Inc()
        }
    }()

    cl := via.Client()
    if cl == nil { return fmt.Errorf("%w: %s", ErrNoClient, via.ID) }
    reply, err := cl.Cmd(ctx, []any{"CLUSTER", "SHARDS"}, call.UTF8Res())
    if err != nil { return fmt.Errorf("topology: cluster shards via %s: %w", via.Endpoint(), err) }
    snap, err := Build(reply, via)
    if err != nil { return err }
    r.cur.Store(snap)
    obsmetrics.ClusterNodes.Set(float64(len(snap.nodes)))
    logutil.Debugf(r.log, "topology: rebuilt via %s: %d ranges, %d nodes", via.Endpoint(), len(snap.ranges), len(snap.nodes))
    return nil
}

// Build parses a CLUSTER SHARDS reply into a snapshot. The descriptor whose
// id equals via.ID also learns via's hosts.
func Build(reply any, via *Node) (*Snapshot, error) {
    shards, ok := reply.([]any)
    if !ok { return nil, fmt.Errorf("%w: reply is %T", ErrMalformed, reply) }
    snap := &Snapshot{byID: map[string]*Node{}, byAddr: map[string]*Node{}}
    for _, raw := range shards {
        sh, ok := asMap(raw)
        if !ok { return nil, fmt.Errorf("%w: shard is %T", ErrMalformed, raw) }
        rawNodes, _ := sh["nodes"].([]any)
        members := make([]*Node, 0, len(rawNodes))
        for _, rn := range rawNodes {
            n, err := nodeFromInfo(rn)
            if err != nil { return nil, err }
            if via != nil && via.ID != "" && n.ID == via.ID {
                n.mu.Lock()
                n.addHosts(via.Hosts())
                n.mu.Unlock()
            }
            if have := snap.byID[n.ID]; have != nil {
                if err := have.Merge(n); err != nil { return nil, err }
                n = have
            } else {
                snap.add(n)
            }
            members = append(members, n)
        }
        bounds, _ := sh["slots"].([]any)
        if len(bounds)%2 != 0 { return nil, fmt.Errorf("%w: odd slot bounds", ErrMalformed) }
        for i := 0; i < len(bounds); i += 2 {
            lo, ok1 := resp.AsInt(bounds[i])
            hi, ok2 := resp.AsInt(bounds[i+1])
            if !ok1 || !ok2 || lo > hi { return nil, fmt.Errorf("%w: slot bounds %v..%v", ErrMalformed, bounds[i], bounds[i+1]) }
            snap.ranges = append(snap.ranges, &SlotRange{Min: int(lo), Max: int(hi), Nodes: members})
        }
    }
    if len(snap.ranges) == 0 { return nil, ErrEmptyTopology }
    sort.Slice(snap.ranges, func(i, j int) bool { return snap.ranges[i].Min < snap.ranges[j].Min })
    // endpoints learned through merges
    for _, n := range snap.nodes {
        for _, ep := range n.Endpoints() { snap.byAddr[ep] = n }
    }
    return snap, nil
}

// asMap accepts a RESP3 map or a RESP2 flat key/value list.
func asMap(v any) (map[string]any, bool) {
    switch x := v.(type) {
    case map[string]any:
        return x, true
    case []any:
        if len(x)%2 != 0 { return nil, false }
        m := make(map[string]any, len(x)/2)
        for i := 0; i < len(x); i += 2 {
            k, ok := resp.AsString(x[i])
            if !ok { return nil, false }
            m[k] = x[i+1]
        }
        return m, true
    }
    return nil, false
}

func nodeFromInfo(v any) (*Node, error) {
    m, ok := asMap(v)
    if !ok { return nil, fmt.Errorf("%w: node is %T", ErrMalformed, v) }
    str := func(k string) string {
        s, _ := resp.AsString(m[k])
        return s
    }
    id := str("id")
    if id == "" { return nil, fmt.Errorf("%w: node without id", ErrMalformed) }
    port, _ := resp.AsInt(m["port"])
    tlsPort, hasTLS := resp.AsInt(m["tls-port"])
    n := NewNode(id, []string{str("endpoint"), str("hostname"), str("ip")}, int(port))
    if port == 0 && hasTLS {
        n.Port, n.TLS = int(tlsPort), true
    }
    if n.Port == 0 { return nil, fmt.Errorf("%w: node %s without port", ErrMalformed, id) }
    n.role = parseRole(str("role"))
    n.health = parseHealth(str("health"))
    n.offset, _ = resp.AsInt(m["replication-offset"])
    return n, nil
}
