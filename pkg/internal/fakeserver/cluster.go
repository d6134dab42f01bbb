package fakeserver

import (
    "fmt"
    "sync"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/slots"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
    "github.com/amirimatin/go-kvcluster/pkg/transport/mem"
)

type shard struct {
    nodes []*Node // master first
}

// Cluster wires nodes into shards that own slot ranges and answers
// CLUSTER SHARDS and redirects on their behalf.
type Cluster struct {
    mu        sync.Mutex
    shards    []*shard
    owner     [slots.Count]int
    nodes     map[string]*Node
    migrating map[int]*Node
}

func NewCluster() *Cluster {
    c := &Cluster{nodes: make(map[string]*Node), migrating: make(map[int]*Node)}
    for i := range c.owner { c.owner[i] = -1 }
    return c
}

// NewTestCluster creates masters shards with the given number of replicas
// each, on 127.0.0.1 starting at basePort, and splits all slots evenly.
func NewTestCluster(masters, replicas, basePort int) *Cluster {
    c := NewCluster()
    port := basePort
    per := slots.Count / masters
    for i := 0; i < masters; i++ {
        m := NewNode(fmt.Sprintf("node-%02d", port-basePort), "127.0.0.1", port)
        port++
        var rs []*Node
        for j := 0; j < replicas; j++ {
            rs = append(rs, NewNode(fmt.Sprintf("node-%02d", port-basePort), "127.0.0.1", port))
            port++
        }
        c.AddShard(m, rs...)
        lo, hi := i*per, (i+1)*per-1
        if i == masters-1 { hi = slots.Count - 1 }
        c.Assign(lo, hi, m)
    }
    return c
}

// AddShard registers master and its replicas as a new shard without slots.
func (c *Cluster) AddShard(master *Node, replicas ...*Node) {
    sh := &shard{nodes: append([]*Node{master}, replicas...)}
    for i, n := range sh.nodes {
        n.mu.Lock()
        n.cluster = c
        n.replica = i > 0
        n.mu.Unlock()
    }
    c.mu.Lock()
    c.shards = append(c.shards, sh)
    for _, n := range sh.nodes { c.nodes[n.Addr()] = n }
    c.mu.Unlock()
}

// Assign hands slots lo..hi to the shard led by master.
func (c *Cluster) Assign(lo, hi int, master *Node) {
    c.mu.Lock()
    defer c.mu.Unlock()
    idx := c.shardIndexLocked(master)
    for s := lo; s <= hi; s++ {
        c.owner[s] = idx
        delete(c.migrating, s)
    }
}

// Migrate marks slot as moving to the shard of to. The current master
// answers ASK, to only serves the slot after ASKING.
func (c *Cluster) Migrate(slot int, to *Node) {
    c.mu.Lock()
    c.migrating[slot] = to
    c.mu.Unlock()
}

func (c *Cluster) shardIndexLocked(n *Node) int {
    for i, sh := range c.shards {
        for _, m := range sh.nodes {
            if m == n { return i }
        }
    }
    return -1
}

func (c *Cluster) Nodes() []*Node {
    c.mu.Lock()
    defer c.mu.Unlock()
    var out []*Node
    for _, sh := range c.shards { out = append(out, sh.nodes...) }
    return out
}

func (c *Cluster) Masters() []*Node {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make([]*Node, 0, len(c.shards))
    for _, sh := range c.shards { out = append(out, sh.nodes[0]) }
    return out
}

func (c *Cluster) Node(addr string) *Node {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.nodes[addr]
}

// MasterFor returns the master owning slot, or nil.
func (c *Cluster) MasterFor(slot int) *Node {
    c.mu.Lock()
    defer c.mu.Unlock()
    if idx := c.owner[slot]; idx >= 0 { return c.shards[idx].nodes[0] }
    return nil
}

func (c *Cluster) shardOf(n *Node) []*Node {
    c.mu.Lock()
    defer c.mu.Unlock()
    if idx := c.shardIndexLocked(n); idx >= 0 { return append([]*Node(nil), c.shards[idx].nodes...) }
    return nil
}

// Transport returns an in-memory transport to addr. Connections are refused
// while no node is registered at addr.
func (c *Cluster) Transport(addr string) transport.Transport {
    lis := mem.ListenerFunc(func(conn *mem.Conn) error {
        n := c.Node(addr)
        if n == nil { return mem.ErrRefused }
        return n.Accept(conn)
    })
    return mem.New(mem.Options{Addr: addr, Listener: lis, MinTimeout: time.Millisecond, MaxTimeout: 20 * time.Millisecond})
}

// Transport returns an in-memory transport connected to this node.
func (n *Node) Transport() *mem.Transport {
    return mem.New(mem.Options{Addr: n.Addr(), Listener: n, MinTimeout: time.Millisecond, MaxTimeout: 20 * time.Millisecond})
}

func moved(kind string, slot int, to *Node) any {
    return errorf("%s %d %s", kind, slot, to.Addr())
}

func (c *Cluster) route(n *Node, s *Session, slot int, write, asking bool) any {
    c.mu.Lock()
    defer c.mu.Unlock()
    idx := c.owner[slot]
    if idx < 0 { return errorf("CLUSTERDOWN Hash slot not served") }
    sh := c.shards[idx]
    master := sh.nodes[0]
    if to, migrating := c.migrating[slot]; migrating {
        if n == master { return moved("ASK", slot, to) }
        if n == to && asking { return nil }
    }
    if n == master { return nil }
    for _, r := range sh.nodes[1:] {
        if r == n && !write && s.readonly { return nil }
    }
    return moved("MOVED", slot, master)
}

func (c *Cluster) shardsReply() any {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make([]any, 0, len(c.shards))
    for i, sh := range c.shards {
        ranges := []any{}
        for s := 0; s < slots.Count; s++ {
            if c.owner[s] != i { continue }
            lo := s
            for s+1 < slots.Count && c.owner[s+1] == i { s++ }
            ranges = append(ranges, lo, s)
        }
        nodes := make([]any, 0, len(sh.nodes))
        for j, n := range sh.nodes {
            role := "master"
            if j > 0 { role = "replica" }
            nodes = append(nodes, map[string]any{
                "id":                 n.ID,
                "port":               n.Port,
                "ip":                 n.Host,
                "endpoint":           n.Host,
                "role":               role,
                "replication-offset": 100,
                "health":             "online",
            })
        }
        out = append(out, map[string]any{"slots": ranges, "nodes": nodes})
    }
    return out
}
