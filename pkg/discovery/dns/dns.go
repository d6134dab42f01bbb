// Package dns resolves seeds from SRV or A/AAAA records.
package dns

import (
    "context"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/discovery"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
)

const (
    DefaultRefresh = 5 * time.Second
    DefaultTimeout = 2 * time.Second
)

// Options configures DNS discovery.
type Options struct {
    // Names are SRV names ("_redis._tcp.example.com"), hostnames resolved
    // with Port, or literal host:port pairs passed through unchanged.
    Names []string
    // Port is used for A/AAAA answers. Defaults to discovery.DefaultPort.
    Port int
    // Refresh is how long answers are cached.
    Refresh time.Duration
    // Timeout bounds one resolution round.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *log.Logger
}

type resolver struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a caching DNS-backed Discovery. When a round resolves nothing
// the previous answer is kept.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = DefaultRefresh }
    if opts.Timeout <= 0 { opts.Timeout = DefaultTimeout }
    if opts.Port == 0 { opts.Port = discovery.DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &resolver{opts: opts}
}

func (d *resolver) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    if res := d.resolve(ctx); len(res) > 0 {
        d.cache = res
        d.last = time.Now()
    }
    return append([]string(nil), d.cache...)
}

func (d *resolver) resolve(ctx context.Context) []string {
    set := make(map[string]struct{})
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        for _, hp := range d.lookup(ctx, name) { set[hp] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for hp := range set { out = append(out, hp) }
    sort.Strings(out)
    return out
}

func (d *resolver) lookup(ctx context.Context, name string) []string {
    if _, _, err := net.SplitHostPort(name); err == nil { return []string{name} }
    if svc, proto, domain := parseSRVName(name); svc != "" {
        _, recs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
        if err == nil && len(recs) > 0 {
            out := make([]string, 0, len(recs))
            for _, r := range recs {
                out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
            }
            return out
        }
        logutil.Debugf(d.opts.Logger, "dns: SRV %s: %v", name, err)
    }
    ips, err := d.opts.Resolver.LookupHost(ctx, name)
    if err != nil {
        logutil.Warnf(d.opts.Logger, "dns: resolve %s: %v", name, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}

// parseSRVName splits "_service._proto.domain".
func parseSRVName(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return parts[0][1:], parts[1][1:], parts[2]
}
