// Package grpc serves the admin API over gRPC with a JSON codec. It mirrors
// the HTTP endpoints of package admin and adds a server stream of cluster
// events.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "log"
    "net"
    "sync"
    "time"

    "go.opentelemetry.io/otel/attribute"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-kvcluster/pkg/admin"
    "github.com/amirimatin/go-kvcluster/pkg/cluster"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-kvcluster/pkg/observability/tracing"
)

const serviceName = "kvcluster.admin.v1.Admin"

var ErrAlreadyStarted = errors.New("admin/grpc: server already started")

// Source is what the gRPC server reports on. *cluster.Cluster satisfies it.
type Source interface {
    admin.Source
    Subscribe(ctx context.Context) <-chan cluster.Event
}

type empty struct{}

type slotReq struct {
    Key string `json:"key"`
}

// Event is the wire form of a cluster.Event.
type Event struct {
    Type     string            `json:"type"`
    At       time.Time         `json:"at"`
    Endpoint string            `json:"endpoint,omitempty"`
    Slot     int               `json:"slot,omitempty"`
    Error    string            `json:"error,omitempty"`
    Details  map[string]string `json:"details,omitempty"`
}

func toWire(ev cluster.Event) *Event {
    out := &Event{Type: string(ev.Type), At: ev.At, Endpoint: ev.Endpoint, Slot: ev.Slot, Details: ev.Details}
    if ev.Err != nil { out.Error = ev.Err.Error() }
    return out
}

type adminServer interface {
    Status(ctx context.Context, in *empty) (*cluster.Status, error)
    Slot(ctx context.Context, in *slotReq) (*admin.SlotInfo, error)
    Refresh(ctx context.Context, in *empty) (*empty, error)
    Events(in *empty, stream grpc.ServerStream) error
}

type adminImpl struct{ src Source }

func (a *adminImpl) Status(ctx context.Context, _ *empty) (*cluster.Status, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    return a.src.Status(ctx)
}

func (a *adminImpl) Slot(ctx context.Context, in *slotReq) (*admin.SlotInfo, error) {
    if in == nil || in.Key == "" { return nil, status.Error(codes.InvalidArgument, "missing key") }
    ctx, end := tracing.StartSpan(ctx, "grpc.slot", attribute.String("key", in.Key))
    defer end()
    st, err := a.src.Status(ctx)
    if err != nil { return nil, err }
    info := admin.Lookup(st, in.Key)
    return &info, nil
}

func (a *adminImpl) Refresh(ctx context.Context, _ *empty) (*empty, error) {
    a.src.Refresh()
    return &empty{}, nil
}

func (a *adminImpl) Events(_ *empty, stream grpc.ServerStream) error {
    ctx := stream.Context()
    for ev := range a.src.Subscribe(ctx) {
        if err := stream.SendMsg(toWire(ev)); err != nil { return err }
    }
    return nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Admin_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*adminServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Status", Handler: _Admin_Status_Handler},
        {MethodName: "Slot", Handler: _Admin_Slot_Handler},
        {MethodName: "Refresh", Handler: _Admin_Refresh_Handler},
    },
    Streams: []grpc.StreamDesc{{
        StreamName:    "Events",
        ServerStreams: true,
        Handler:       _Admin_Events_Handler,
    }},
}

func _Admin_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(adminServer).Status(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(adminServer).Status(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Admin_Slot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(slotReq)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(adminServer).Slot(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Slot"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(adminServer).Slot(ctx, req.(*slotReq))
    }
    return interceptor(ctx, in, info, handler)
}

func _Admin_Refresh_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(adminServer).Refresh(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Refresh"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(adminServer).Refresh(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Admin_Events_Handler(srv interface{}, stream grpc.ServerStream) error {
    in := new(empty)
    if err := stream.RecvMsg(in); err != nil { return err }
    return srv.(adminServer).Events(in, stream)
}

// Server is the gRPC admin endpoint.
type Server struct {
    bind   string
    tlsCfg *tls.Config
    logger *log.Logger

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start listens and serves until ctx is done or Stop is called. The standard
// health service reports SERVING once src has a slot table.
func (s *Server) Start(ctx context.Context, src Source) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.srv != nil { return ErrAlreadyStarted }
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }

    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&_Admin_serviceDesc, &adminImpl{src: src})
    s.lis, s.srv, s.health = lis, srv, hs

    watchCtx, cancel := context.WithCancel(ctx)
    events := src.Subscribe(watchCtx)
    go func() {
        s.setHealth(watchCtx, src)
        for range events { s.setHealth(watchCtx, src) }
    }()
    if done := ctx.Done(); done != nil {
        go func() {
            <-done
            _ = s.Stop(context.Background())
        }()
    }
    go func() {
        defer cancel()
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(s.logger, "admin/grpc: serve: %v", err)
        }
    }()
    logutil.Infof(s.logger, "admin/grpc: listening on %s", lis.Addr())
    return nil
}

func (s *Server) setHealth(ctx context.Context, src Source) {
    st := healthpb.HealthCheckResponse_NOT_SERVING
    if cs, err := src.Status(ctx); err == nil && cs.Ready { st = healthpb.HealthCheckResponse_SERVING }
    s.mu.Lock()
    hs := s.health
    s.mu.Unlock()
    if hs != nil {
        hs.SetServingStatus("", st)
        hs.SetServingStatus(serviceName, st)
    }
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop drains RPCs, falling back to a hard stop when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv, s.health, s.lis = nil, nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    case <-time.After(2 * time.Second):
        srv.Stop()
    }
    return nil
}
