package cluster

import (
    "context"
    "fmt"
    "net"
    "strconv"

    "github.com/amirimatin/go-kvcluster/pkg/slots"
)

// Status is a JSON-serializable snapshot of what the client knows about the
// cluster, suitable for status endpoints and tooling.
type Status struct {
    // Ready reports whether a slot table is installed.
    Ready bool `json:"ready"`
    // Nodes lists every known node with its connection state.
    Nodes []NodeStatus `json:"nodes"`
    // Ranges lists slot ranges in slot order.
    Ranges []RangeStatus `json:"ranges"`
    // Pipelines is the number of open node connections.
    Pipelines int `json:"pipelines"`
    // Warnings contains non-fatal observations such as unserved slots.
    Warnings []string `json:"warnings,omitempty"`
}

type NodeStatus struct {
    ID                string `json:"id"`
    Endpoint          string `json:"endpoint"`
    Role              string `json:"role"`
    Health            string `json:"health"`
    ReplicationOffset int64  `json:"replication_offset"`
    Connected         bool   `json:"connected"`
}

type RangeStatus struct {
    Min      int      `json:"min"`
    Max      int      `json:"max"`
    Master   string   `json:"master,omitempty"`
    Replicas []string `json:"replicas,omitempty"`
}

// Status returns the current routing view. It never performs network I/O.
func (c *Cluster) Status(ctx context.Context) (*Status, error) {
    snap := c.router.Snapshot()
    s := &Status{Ready: !snap.IsEmpty(), Pipelines: c.pool.len()}
    for _, n := range snap.Nodes() {
        ns := NodeStatus{ID: n.ID, Endpoint: n.Endpoint(), Role: n.Role().String(), Health: n.Health().String(), ReplicationOffset: n.ReplicationOffset()}
        if p := c.pool.lookup(ns.Endpoint); p != nil { ns.Connected = p.IsConnected() }
        s.Nodes = append(s.Nodes, ns)
    }
    covered := 0
    for _, r := range snap.Ranges() {
        rs := RangeStatus{Min: r.Min, Max: r.Max}
        if m := r.Master(); m != nil {
            rs.Master = m.ID
        } else {
            s.Warnings = append(s.Warnings, fmt.Sprintf("slots %d-%d have no master", r.Min, r.Max))
        }
        for _, rep := range r.Replicas() { rs.Replicas = append(rs.Replicas, rep.ID) }
        covered += r.Max - r.Min + 1
        s.Ranges = append(s.Ranges, rs)
    }
    if s.Ready && covered < slots.Count {
        s.Warnings = append(s.Warnings, fmt.Sprintf("%d slots not served", slots.Count-covered))
    }
    return s, ctx.Err()
}

func splitEndpoint(ep string) (string, int, error) {
    host, p, err := net.SplitHostPort(ep)
    if err != nil { return "", 0, err }
    port, err := strconv.Atoi(p)
    if err != nil { return "", 0, fmt.Errorf("cluster: bad port in %q", ep) }
    return host, port, nil
}
