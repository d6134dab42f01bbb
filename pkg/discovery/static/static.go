// Package static provides a fixed seed list.
package static

import (
    "strings"

    "github.com/amirimatin/go-kvcluster/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds() []string { return append([]string(nil), s...) }

// New returns a Discovery that always yields the given addresses,
// normalized and without blanks or duplicates.
func New(addrs ...string) discovery.Discovery {
    out := make(seeds, 0, len(addrs))
    seen := make(map[string]struct{}, len(addrs))
    for _, a := range addrs {
        a = discovery.Normalize(a)
        if a == "" { continue }
        if _, ok := seen[a]; ok { continue }
        seen[a] = struct{}{}
        out = append(out, a)
    }
    return out
}

// Parse splits a comma-separated list such as "10.0.0.1:7000, redis-2" and
// normalizes every entry.
func Parse(csv string) []string {
    if strings.TrimSpace(csv) == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = discovery.Normalize(p); p != "" { out = append(out, p) }
    }
    return out
}
