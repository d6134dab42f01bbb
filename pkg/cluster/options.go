package cluster

import (
    "crypto/tls"
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/discovery"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
    "github.com/amirimatin/go-kvcluster/pkg/transport/tcp"
)

const (
    DefaultClientTimeout     = 10 * time.Second
    DefaultSeedMinBackoff    = time.Second
    DefaultSeedMaxBackoff    = time.Minute
    DefaultRebuildMinBackoff = 100 * time.Millisecond
    DefaultRebuildMaxBackoff = 10 * time.Second
    DefaultAskDelay          = 50 * time.Millisecond
    DefaultIdleTimeout       = 30 * time.Second
)

// Options configures a Cluster. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // Seeds are host:port addresses asked for the initial topology. They are
    // combined with the addresses returned by Discovery.
    Seeds     []string
    Discovery discovery.Discovery

    User     string
    Password string
    // TLS is used for seeds and for every node announced with a TLS port.
    TLS *tls.Config

    // NewTransport opens the transport to endpoint. Defaults to a TCP
    // transport.
    NewTransport func(endpoint string, useTLS bool) transport.Transport
    // Group holds the default TCP transports while they are referenced.
    Group *transport.Group

    // ClientTimeout bounds connecting to a seed and fetching the topology
    // through it.
    ClientTimeout time.Duration
    // SeedMinBackoff and SeedMaxBackoff shape the delay between seed
    // attempts while no topology is known.
    SeedMinBackoff time.Duration
    SeedMaxBackoff time.Duration
    // RebuildMinBackoff and RebuildMaxBackoff shape retries of a failed
    // rebuild triggered by a MOVED reply.
    RebuildMinBackoff time.Duration
    RebuildMaxBackoff time.Duration
    // AskDelay is the wait before the first ASK retry; it doubles per retry.
    AskDelay time.Duration
    // IdleTimeout after which connections to endpoints no longer in the
    // topology are closed.
    IdleTimeout time.Duration

    Scripts *scripts.Registry
    Logger  *log.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if len(o.Seeds) == 0 && o.Discovery == nil {
        return ErrNoSeeds
    }
    if o.ClientTimeout < 0 || o.SeedMinBackoff < 0 || o.SeedMaxBackoff < 0 || o.RebuildMinBackoff < 0 || o.RebuildMaxBackoff < 0 || o.AskDelay < 0 || o.IdleTimeout < 0 {
        return errors.New("cluster: negative duration")
    }
    if o.SeedMaxBackoff > 0 && o.SeedMaxBackoff < o.SeedMinBackoff {
        return errors.New("cluster: seed max backoff below min")
    }
    return nil
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.Scripts == nil { o.Scripts = scripts.NewRegistry() }
    if o.ClientTimeout == 0 { o.ClientTimeout = DefaultClientTimeout }
    if o.SeedMinBackoff == 0 { o.SeedMinBackoff = DefaultSeedMinBackoff }
    if o.SeedMaxBackoff == 0 { o.SeedMaxBackoff = DefaultSeedMaxBackoff }
    if o.RebuildMinBackoff == 0 { o.RebuildMinBackoff = DefaultRebuildMinBackoff }
    if o.RebuildMaxBackoff == 0 { o.RebuildMaxBackoff = DefaultRebuildMaxBackoff }
    if o.AskDelay == 0 { o.AskDelay = DefaultAskDelay }
    if o.IdleTimeout == 0 { o.IdleTimeout = DefaultIdleTimeout }
    if o.NewTransport == nil {
        cfg, group, logger := o.TLS, o.Group, o.Logger
        o.NewTransport = func(endpoint string, useTLS bool) transport.Transport {
            opts := tcp.Options{Addr: endpoint, Group: group, Logger: logger}
            if useTLS {
                opts.TLS = cfg
                if opts.TLS == nil { opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12} }
            }
            return tcp.New(opts)
        }
    }
}
