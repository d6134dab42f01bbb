// Package topology models the shards of a cluster and resolves hash slots to
// the nodes serving them.
package topology

import (
    "context"
    "errors"
    "fmt"
    "net"
    "strconv"
    "sync"

    "github.com/amirimatin/go-kvcluster/pkg/call"
)

var (
    ErrEmptyTopology = errors.New("topology: empty topology")
    ErrMalformed     = errors.New("topology: malformed shard description")
    ErrInvalidPort   = errors.New("topology: node port mismatch")
    ErrNoClient      = errors.New("topology: node has no client")
)

type Role int

const (
    RoleUnknown Role = iota
    RoleMaster
    RoleReplica
)

func (r Role) String() string {
    switch r {
    case RoleMaster:
        return "master"
    case RoleReplica:
        return "replica"
    }
    return "unknown"
}

func parseRole(s string) Role {
    switch s {
    case "master", "primary":
        return RoleMaster
    case "replica", "slave":
        return RoleReplica
    }
    return RoleUnknown
}

type Health int

const (
    HealthUnknown Health = iota
    HealthOnline
    HealthFailed
    HealthLoading
)

func (h Health) String() string {
    switch h {
    case HealthOnline:
        return "online"
    case HealthFailed:
        return "failed"
    case HealthLoading:
        return "loading"
    }
    return "unknown"
}

func parseHealth(s string) Health {
    switch s {
    case "online":
        return HealthOnline
    case "failed":
        return HealthFailed
    case "loading":
        return HealthLoading
    }
    return HealthUnknown
}

// Client is what the topology needs from a node connection.
type Client interface {
    Cmd(ctx context.Context, args []any, opts ...call.Option) (any, error)
    Endpoint() string
    Stop() error
}

// Node is a cluster member. ID, Port and TLS are fixed at creation; the rest
// is filled in as the node is observed and is safe for concurrent use.
type Node struct {
    ID   string
    Port int
    TLS  bool

    mu     sync.RWMutex
    hosts  []string
    role   Role
    health Health
    offset int64
    client Client
}

func NewNode(id string, hosts []string, port int) *Node {
    n := &Node{ID: id, Port: port}
    n.addHosts(hosts)
    return n
}

func (n *Node) addHosts(hosts []string) {
    for _, h := range hosts {
        if h == "" || h == "?" { continue }
        dup := false
        for _, have := range n.hosts {
            if have == h {
                dup = true
                break
            }
        }
        if !dup { n.hosts = append(n.hosts, h) }
    }
}

func (n *Node) Hosts() []string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return append([]string(nil), n.hosts...)
}

func (n *Node) HasHost(host string) bool {
    n.mu.RLock()
    defer n.mu.RUnlock()
    for _, h := range n.hosts {
        if h == host { return true }
    }
    return false
}

// Endpoint is the first known host joined with the port.
func (n *Node) Endpoint() string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if len(n.hosts) == 0 { return "" }
    return net.JoinHostPort(n.hosts[0], strconv.Itoa(n.Port))
}

// Endpoints lists host:port for every known host.
func (n *Node) Endpoints() []string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    out := make([]string, 0, len(n.hosts))
    for _, h := range n.hosts { out = append(out, net.JoinHostPort(h, strconv.Itoa(n.Port))) }
    return out
}

func (n *Node) Role() Role {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.role
}

func (n *Node) Health() Health {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.health
}

func (n *Node) ReplicationOffset() int64 {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.offset
}

func (n *Node) Client() Client {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.client
}

// Attach sets the node's client unless one is already attached. It reports
// whether c was attached.
func (n *Node) Attach(c Client) bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.client != nil { return false }
    n.client = c
    return true
}

// Detach removes c if it is the attached client.
func (n *Node) Detach(c Client) {
    n.mu.Lock()
    if n.client == c { n.client = nil }
    n.mu.Unlock()
}

// Merge folds what o knows into n. Hosts are unioned in first-seen order;
// role, offset and health are only taken while still unknown; an attached
// client is never replaced.
func (n *Node) Merge(o *Node) error {
    if o == n { return nil }
    if o.Port != n.Port {
        return fmt.Errorf("%w: %s has port %d, got %d", ErrInvalidPort, n.ID, n.Port, o.Port)
    }
    o.mu.RLock()
    hosts := append([]string(nil), o.hosts...)
    role, health, offset, client := o.role, o.health, o.offset, o.client
    o.mu.RUnlock()

    n.mu.Lock()
    defer n.mu.Unlock()
    n.addHosts(hosts)
    if n.role == RoleUnknown { n.role = role }
    if n.health == HealthUnknown { n.health = health }
    if n.offset == 0 { n.offset = offset }
    if n.client == nil { n.client = client }
    return nil
}

func (n *Node) String() string {
    return fmt.Sprintf("%s(%s %s)", n.ID, n.Endpoint(), n.Role())
}

// SlotRange is an inclusive slot interval and the nodes serving it.
type SlotRange struct {
    Min   int
    Max   int
    Nodes []*Node
}

// Master returns the first node of the range whose role is master.
func (r *SlotRange) Master() *Node {
    for _, n := range r.Nodes {
        if n.Role() == RoleMaster { return n }
    }
    return nil
}

func (r *SlotRange) Replicas() []*Node {
    var out []*Node
    for _, n := range r.Nodes {
        if n.Role() == RoleReplica { out = append(out, n) }
    }
    return out
}

func (r *SlotRange) Contains(slot int) bool { return slot >= r.Min && slot <= r.Max }
