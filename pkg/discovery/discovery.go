// Package discovery supplies the seed addresses a cluster client asks for
// its slot table.
package discovery

import (
    "net"
    "strconv"
    "strings"
)

// DefaultPort is assumed for seeds given without a port.
const DefaultPort = 6379

// Discovery returns host:port addresses of nodes that can answer CLUSTER
// SHARDS. It is consulted on every bootstrap attempt, so results may change
// between calls.
type Discovery interface {
    Seeds() []string
}

// Func adapts a plain function to Discovery.
type Func func() []string

func (f Func) Seeds() []string { return f() }

type multi []Discovery

func (m multi) Seeds() []string {
    seen := make(map[string]struct{})
    var out []string
    for _, d := range m {
        for _, s := range d.Seeds() {
            if _, ok := seen[s]; ok { continue }
            seen[s] = struct{}{}
            out = append(out, s)
        }
    }
    return out
}

// Multi concatenates the seeds of several sources in order, dropping
// duplicates. Nil sources are skipped.
func Multi(ds ...Discovery) Discovery {
    var m multi
    for _, d := range ds {
        if d != nil { m = append(m, d) }
    }
    return m
}

// Normalize trims addr and appends DefaultPort when it carries no port.
// Bracketed and bare IPv6 literals are accepted.
func Normalize(addr string) string {
    addr = strings.TrimSpace(addr)
    if addr == "" { return "" }
    if _, _, err := net.SplitHostPort(addr); err == nil { return addr }
    host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
    return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}
