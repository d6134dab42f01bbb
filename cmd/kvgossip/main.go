// kvgossip is a sidecar that advertises one KV node in the gossip pool so
// clients using discovery=gossip can find it.
package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/discovery/gossip"
)

func main() {
    var (
        name      = flag.String("name", "", "member name (default hostname plus a random suffix)")
        bind      = flag.String("bind", ":7946", "gossip bind host:port")
        advertise = flag.String("advertise", "", "gossip advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated gossip peers (host:port)")
        endpoint  = flag.String("endpoint", "127.0.0.1:7000", "KV node address to advertise")
        every     = flag.Duration("print", 10*time.Second, "print the seed list at this interval (0 disables)")
    )
    flag.Parse()

    ctx, cancel := signalContext()
    defer cancel()

    a, err := gossip.New(gossip.Options{Name: *name, Bind: *bind, Advertise: *advertise, Join: splitCSV(*joinCSV), Endpoint: *endpoint, Logger: log.Default()})
    if err != nil { log.Fatal(err) }
    if err := a.Start(ctx); err != nil { log.Fatal(err) }
    defer a.Stop()

    fmt.Printf("kvgossip on %s advertising %s. Press Ctrl+C to exit.\n", a.Addr(), *endpoint)
    if *every <= 0 {
        <-ctx.Done()
        return
    }
    t := time.NewTicker(*every)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            fmt.Printf("members=%d health=%d seeds=%s\n", len(a.Members()), a.HealthScore(), strings.Join(a.Seeds(), ","))
        }
    }
}

func splitCSV(s string) []string {
    if s == "" { return nil }
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts { p = strings.TrimSpace(p); if p != "" { out = append(out, p) } }
    return out
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
