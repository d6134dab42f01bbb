//go:build integration

package integration

import (
    "context"
    "errors"
    "io"
    "net"
    "os"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/cluster"
)

var errNotYet = errors.New("not yet")

// seedAddr is the local cluster these tests run against.
func seedAddr() string {
    if v := os.Getenv("KVCLUSTER_SEED"); v != "" { return v }
    return "127.0.0.1:7000"
}

func requireLocalCluster(t *testing.T) {
    t.Helper()
    if os.Getenv("TEST_LOCAL_CLUSTER") == "" {
        t.Skip("set TEST_LOCAL_CLUSTER=1 to run against a local cluster on " + seedAddr())
    }
}

func startCluster(t *testing.T, ctx context.Context, mut ...func(*cluster.Options)) *cluster.Cluster {
    t.Helper()
    opts := cluster.Options{Seeds: []string{seedAddr()}, ClientTimeout: 5 * time.Second}
    for _, m := range mut { m(&opts) }
    c, err := cluster.New(opts)
    if err != nil { t.Fatalf("new cluster: %v", err) }
    t.Cleanup(func() { _ = c.Close() })
    if err := c.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    if err := c.WhenRouterReady(ctx); err != nil { t.Fatalf("router not ready: %v", err) }
    return c
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", timeout, last)
}

// proxy forwards TCP connections to target and can sever them on demand.
type proxy struct {
    ln     net.Listener
    target string

    mu    sync.Mutex
    conns []net.Conn
}

func startProxy(t *testing.T, target string) *proxy {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("proxy listen: %v", err) }
    p := &proxy{ln: ln, target: target}
    t.Cleanup(func() { ln.Close(); p.cut() })
    go p.serve()
    return p
}

func (p *proxy) Addr() string { return p.ln.Addr().String() }

func (p *proxy) serve() {
    for {
        in, err := p.ln.Accept()
        if err != nil { return }
        out, err := net.Dial("tcp", p.target)
        if err != nil {
            in.Close()
            continue
        }
        p.mu.Lock()
        p.conns = append(p.conns, in, out)
        p.mu.Unlock()
        go func() { _, _ = io.Copy(out, in); out.Close() }()
        go func() { _, _ = io.Copy(in, out); in.Close() }()
    }
}

// cut closes every proxied connection; new ones are still accepted.
func (p *proxy) cut() {
    p.mu.Lock()
    conns := p.conns
    p.conns = nil
    p.mu.Unlock()
    for _, c := range conns { c.Close() }
}
