package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-kvcluster/pkg/admin"
    "github.com/amirimatin/go-kvcluster/pkg/cluster"
)

const DefaultClientTimeout = 3 * time.Second

// Client calls the gRPC admin API. Connections are cached per address until
// Close.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    mu    sync.Mutex
    conns map[string]*grpc.ClientConn
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = DefaultClientTimeout }
    return &Client{timeout: timeout, conns: make(map[string]*grpc.ClientConn)}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if cc, ok := c.conns[addr]; ok { return cc, nil }
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    cc, err := grpc.NewClient(addr, opts...)
    if err != nil { return nil, err }
    c.conns[addr] = cc
    return cc, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, err := c.conn(addr)
    if err != nil { return err }
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out, grpc.WaitForReady(true))
}

func (c *Client) Status(ctx context.Context, addr string) (*cluster.Status, error) {
    out := new(cluster.Status)
    if err := c.invoke(ctx, addr, "Status", &empty{}, out); err != nil { return nil, err }
    return out, nil
}

func (c *Client) Slot(ctx context.Context, addr, key string) (admin.SlotInfo, error) {
    var out admin.SlotInfo
    err := c.invoke(ctx, addr, "Slot", &slotReq{Key: key}, &out)
    return out, err
}

func (c *Client) Refresh(ctx context.Context, addr string) error {
    return c.invoke(ctx, addr, "Refresh", &empty{}, &empty{})
}

// Health queries the standard health service for the admin service.
func (c *Client) Health(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, err := c.conn(addr)
    if err != nil { return healthpb.HealthCheckResponse_UNKNOWN, err }
    // the server forces JSON for every service, health included
    res, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{Service: serviceName})
    if err != nil { return healthpb.HealthCheckResponse_UNKNOWN, err }
    return res.GetStatus(), nil
}

// Events streams cluster events to fn until ctx is done or the server goes
// away.
func (c *Client) Events(ctx context.Context, addr string, fn func(Event)) error {
    cc, err := c.conn(addr)
    if err != nil { return err }
    desc := &_Admin_serviceDesc.Streams[0]
    stream, err := cc.NewStream(ctx, desc, "/"+serviceName+"/Events", grpc.WaitForReady(true))
    if err != nil { return err }
    if err := stream.SendMsg(&empty{}); err != nil { return err }
    if err := stream.CloseSend(); err != nil { return err }
    for {
        ev := new(Event)
        if err := stream.RecvMsg(ev); err != nil {
            if ctx.Err() != nil { return ctx.Err() }
            return err
        }
        fn(*ev)
    }
}

// Close releases every cached connection.
func (c *Client) Close() error {
    c.mu.Lock()
    conns := c.conns
    c.conns = make(map[string]*grpc.ClientConn)
    c.mu.Unlock()
    for _, cc := range conns { _ = cc.Close() }
    return nil
}
