// Package bootstrap assembles a standalone or cluster client, plus the
// optional admin endpoint, from flat configuration. The CLI and embedding
// applications share it.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/admin"
    admingrpc "github.com/amirimatin/go-kvcluster/pkg/admin/grpc"
    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/cluster"
    "github.com/amirimatin/go-kvcluster/pkg/discovery"
    dDNS "github.com/amirimatin/go-kvcluster/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-kvcluster/pkg/discovery/file"
    "github.com/amirimatin/go-kvcluster/pkg/discovery/gossip"
    dStatic "github.com/amirimatin/go-kvcluster/pkg/discovery/static"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
    tlsx "github.com/amirimatin/go-kvcluster/pkg/security/tlsconfig"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
    "github.com/amirimatin/go-kvcluster/pkg/transport/tcp"
)

const (
    ModeCluster    = "cluster"
    ModeStandalone = "standalone"

    AdminHTTP = "http"
    AdminGRPC = "grpc"
)

var (
    ErrUnknownMode      = errors.New("bootstrap: unknown mode")
    ErrUnknownDiscovery = errors.New("bootstrap: unknown discovery kind")
    ErrNoAddr           = errors.New("bootstrap: standalone mode needs an address")
    ErrUnknownAdmin     = errors.New("bootstrap: unknown admin protocol")
)

// Config defines high-level inputs to assemble a client with sensible
// defaults.
type Config struct {
    // Mode is "cluster" (default) or "standalone".
    Mode string
    // Addr is the server for standalone mode. In cluster mode it is added to
    // the seeds.
    Addr string

    // Discovery settings (cluster mode)
    DiscoveryKind string        // "static" (default), "dns", "file" or "gossip"
    SeedsCSV      string        // used when DiscoveryKind=static
    DNSNamesCSV   string        // used when kind=dns
    DNSPort       int           // used when kind=dns (A/AAAA)
    DiscRefresh   time.Duration // cache/refresh duration for discovery
    FilePath      string        // used when kind=file
    FileEnv       string        // used when kind=file
    GossipBind    string        // used when kind=gossip
    GossipJoinCSV string        // used when kind=gossip

    User     string
    Password string

    // TLS for node connections. When AdminTLS is set the same files serve
    // the admin endpoint.
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool
    AdminTLS      bool

    // ClientTimeout bounds seed connections (cluster) or the initial
    // handshake wait in Run (standalone).
    ClientTimeout time.Duration

    // AdminAddr starts the admin endpoint in cluster mode when set.
    AdminAddr string
    // AdminProto is "http" (default) or "grpc".
    AdminProto string

    Scripts *scripts.Registry
    // NewTransport overrides how node connections are opened.
    NewTransport func(endpoint string, useTLS bool) transport.Transport
    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

func (cfg Config) tlsOptions() tlsx.Options {
    return tlsx.Options{Enable: cfg.TLSEnable, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
}

// Discovery returns the seed source selected by DiscoveryKind. Addr, when
// set, is always included. A gossip source must be started before it
// yields seeds; Build takes care of that.
func (cfg Config) Discovery() (discovery.Discovery, error) {
    disc, _, err := cfg.discovery()
    return disc, err
}

func (cfg Config) discovery() (discovery.Discovery, *gossip.Agent, error) {
    var (
        disc  discovery.Discovery
        agent *gossip.Agent
    )
    switch strings.ToLower(cfg.DiscoveryKind) {
    case "dns":
        disc = dDNS.New(dDNS.Options{Names: strings.Split(cfg.DNSNamesCSV, ","), Port: cfg.DNSPort, Refresh: cfg.DiscRefresh, Logger: cfg.Logger})
    case "file":
        disc = dFile.New(dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh})
    case "gossip":
        var err error
        agent, err = gossip.New(gossip.Options{Bind: cfg.GossipBind, Join: splitCSV(cfg.GossipJoinCSV), Logger: cfg.Logger})
        if err != nil { return nil, nil, err }
        disc = agent
    case "", "static":
        disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    default:
        return nil, nil, fmt.Errorf("%w: %q", ErrUnknownDiscovery, cfg.DiscoveryKind)
    }
    if cfg.Addr != "" { disc = discovery.Multi(dStatic.New(cfg.Addr), disc) }
    return disc, agent, nil
}

func splitCSV(s string) []string {
    var out []string
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// adminServer is the part of the HTTP and gRPC admin servers Client uses
// after Start.
type adminServer interface {
    Addr() string
    Stop(ctx context.Context) error
}

// Client is a built client. Exactly one of Cluster and Single is set.
type Client struct {
    Cluster *cluster.Cluster
    Single  *pipeline.Client

    cfg    Config
    admin  adminServer
    gossip *gossip.Agent
}

// Build assembles a client from Config without starting it.
func Build(cfg Config) (*Client, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.Scripts == nil { cfg.Scripts = scripts.NewRegistry() }
    cliTLS, err := cfg.tlsOptions().ClientHotReload()
    if err != nil { return nil, err }

    switch strings.ToLower(cfg.AdminProto) {
    case "", AdminHTTP, AdminGRPC:
    default:
        return nil, fmt.Errorf("%w: %q", ErrUnknownAdmin, cfg.AdminProto)
    }

    switch strings.ToLower(cfg.Mode) {
    case "", ModeCluster:
        disc, agent, err := cfg.discovery()
        if err != nil { return nil, err }
        c, err := cluster.New(cluster.Options{
            Discovery:     disc,
            User:          cfg.User,
            Password:      cfg.Password,
            TLS:           cliTLS,
            NewTransport:  cfg.NewTransport,
            ClientTimeout: cfg.ClientTimeout,
            Scripts:       cfg.Scripts,
            Logger:        cfg.Logger,
        })
        if err != nil { return nil, err }
        return &Client{Cluster: c, cfg: cfg, gossip: agent}, nil
    case ModeStandalone:
        if cfg.Addr == "" { return nil, ErrNoAddr }
        addr := discovery.Normalize(cfg.Addr)
        var t transport.Transport
        if cfg.NewTransport != nil {
            t = cfg.NewTransport(addr, cliTLS != nil)
        } else {
            t = tcp.New(tcp.Options{Addr: addr, TLS: cliTLS, Logger: cfg.Logger})
        }
        p, err := pipeline.New(pipeline.Options{Transport: t, User: cfg.User, Password: cfg.Password, Scripts: cfg.Scripts, Logger: cfg.Logger})
        if err != nil { return nil, err }
        return &Client{Single: p, cfg: cfg}, nil
    }
    return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
}

// Run builds and starts the client, waits until it can route commands and
// starts the admin endpoint when configured. The caller is responsible for
// calling Close.
func Run(ctx context.Context, cfg Config) (*Client, error) {
    c, err := Build(cfg)
    if err != nil { return nil, err }
    if err := c.Start(ctx); err != nil {
        _ = c.Close()
        return nil, err
    }
    if err := c.WhenReady(ctx); err != nil {
        _ = c.Close()
        return nil, err
    }
    return c, nil
}

func (c *Client) Start(ctx context.Context) error {
    if c.Single != nil { return c.Single.Start() }
    if c.gossip != nil {
        if err := c.gossip.Start(context.Background()); err != nil { return err }
    }
    if err := c.Cluster.Start(ctx); err != nil { return err }
    if c.cfg.AdminAddr == "" { return nil }
    var srvTLS *tls.Config
    if c.cfg.AdminTLS {
        var err error
        if srvTLS, err = c.cfg.tlsOptions().Server(); err != nil { return err }
    }
    if strings.ToLower(c.cfg.AdminProto) == AdminGRPC {
        s := admingrpc.NewServer(c.cfg.AdminAddr, c.cfg.Logger).UseTLS(srvTLS)
        c.admin = s
        return s.Start(context.Background(), c.Cluster)
    }
    s := admin.NewServer(c.cfg.AdminAddr, c.cfg.Logger).UseTLS(srvTLS)
    c.admin = s
    return s.Start(context.Background(), c.Cluster)
}

// WhenReady waits for the handshake (standalone) or the first slot table
// (cluster).
func (c *Client) WhenReady(ctx context.Context) error {
    if c.cfg.ClientTimeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, c.cfg.ClientTimeout)
        defer cancel()
    }
    if c.Single != nil { return c.Single.WhenReady(ctx) }
    return c.Cluster.WhenRouterReady(ctx)
}

// AdminAddr is the bound admin address, or "" when not serving.
func (c *Client) AdminAddr() string {
    if c.admin == nil { return "" }
    return c.admin.Addr()
}

func (c *Client) Cmd(ctx context.Context, args []any, opts ...call.Option) (any, error) {
    if c.Single != nil { return c.Single.Cmd(ctx, args, opts...) }
    return c.Cluster.Cmd(ctx, args, opts...)
}

func (c *Client) Eval(ctx context.Context, id string, keys []string, args []any, opts ...call.Option) (any, error) {
    if c.Single != nil { return c.Single.Eval(ctx, id, keys, args, opts...) }
    return c.Cluster.Eval(ctx, id, keys, args, opts...)
}

func (c *Client) Publish(ctx context.Context, channel string, payload any) (int64, error) {
    if c.Single != nil { return c.Single.Publish(ctx, channel, payload) }
    return c.Cluster.Publish(ctx, channel, payload)
}

// Subscribe registers fn for channel and waits for the server to confirm.
// Shard channels in cluster mode go to the slot master; plain channels to
// any node, since regular pub/sub is broadcast cluster-wide.
func (c *Client) Subscribe(ctx context.Context, channel string, shard bool, fn func(pipeline.Message)) (func(), error) {
    p := c.Single
    if p == nil {
        if shard { return c.Cluster.SSubscribe(ctx, channel, fn) }
        var err error
        if p, err = c.Cluster.AnyClient(); err != nil { return nil, err }
    }
    var (
        unsub func()
        ack   *call.Call
    )
    if shard {
        unsub, ack = p.SSubscribe(channel, fn)
    } else {
        unsub, ack = p.Subscribe(channel, fn)
    }
    if _, err := ack.Wait(ctx); err != nil {
        unsub()
        return nil, err
    }
    return unsub, nil
}

// Close stops the admin endpoint and the client.
func (c *Client) Close() error {
    if c.admin != nil {
        if err := c.admin.Stop(context.Background()); err != nil { logutil.Warnf(c.cfg.Logger, "bootstrap: admin stop: %v", err) }
    }
    if c.Single != nil { return c.Single.Stop() }
    err := c.Cluster.Close()
    if c.gossip != nil {
        if gerr := c.gossip.Stop(); gerr != nil { logutil.Warnf(c.cfg.Logger, "bootstrap: gossip stop: %v", gerr) }
    }
    return err
}

// Gossip is the gossip agent when DiscoveryKind is "gossip", nil otherwise.
func (c *Client) Gossip() *gossip.Agent { return c.gossip }

var (
    _ admin.Source     = (*cluster.Cluster)(nil)
    _ admingrpc.Source = (*cluster.Cluster)(nil)
)
