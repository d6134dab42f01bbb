package bootstrap

import (
    "context"
    "io"
    "log"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-kvcluster/pkg/admin"
    admingrpc "github.com/amirimatin/go-kvcluster/pkg/admin/grpc"
    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/discovery/gossip"
    "github.com/amirimatin/go-kvcluster/pkg/internal/fakeserver"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func testCtx(t *testing.T) context.Context {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    t.Cleanup(cancel)
    return ctx
}

func TestBuildRejectsBadConfig(t *testing.T) {
    _, err := Build(Config{Mode: "sentinel", Logger: quiet()})
    assert.ErrorIs(t, err, ErrUnknownMode)
    _, err = Build(Config{Mode: ModeStandalone, Logger: quiet()})
    assert.ErrorIs(t, err, ErrNoAddr)
    _, err = Build(Config{DiscoveryKind: "consul", Logger: quiet()})
    assert.ErrorIs(t, err, ErrUnknownDiscovery)
    _, err = Build(Config{AdminProto: "soap", Logger: quiet()})
    assert.ErrorIs(t, err, ErrUnknownAdmin)
    _, err = Build(Config{DiscoveryKind: "gossip", Logger: quiet()})
    assert.ErrorIs(t, err, gossip.ErrNoBind)
}

func TestDiscoveryIncludesAddr(t *testing.T) {
    d, err := Config{SeedsCSV: "10.0.0.2:7001, 10.0.0.3", Addr: "10.0.0.1:7000"}.Discovery()
    require.NoError(t, err)
    assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7001", "10.0.0.3:6379"}, d.Seeds())
}

func TestRunClusterWithAdmin(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 0, 7100)
    reg := scripts.NewRegistry()
    _, err := reg.Set("echo", "return {KEYS[1], ARGV[1]}")
    require.NoError(t, err)

    ctx := testCtx(t)
    c, err := Run(ctx, Config{
        SeedsCSV:     fc.Masters()[1].Addr(),
        AdminAddr:    "127.0.0.1:0",
        Scripts:      reg,
        NewTransport: func(ep string, _ bool) transport.Transport { return fc.Transport(ep) },
        Logger:       quiet(),
    })
    require.NoError(t, err)
    defer c.Close()
    require.NotNil(t, c.Cluster)

    for _, k := range []string{"a", "b", "c", "d"} {
        _, err := c.Cmd(ctx, []any{"SET", k, "v-" + k})
        require.NoError(t, err)
    }
    v, err := c.Cmd(ctx, []any{"GET", "c"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "v-c", v)

    v, err = c.Eval(ctx, "echo", []string{"k"}, []any{"x"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, []any{"k", "x"}, v)

    got := make(chan pipeline.Message, 1)
    unsub, err := c.Subscribe(ctx, "news", true, func(m pipeline.Message) { got <- m })
    require.NoError(t, err)
    defer unsub()
    n, err := c.Cluster.SPublish(ctx, "news", "hello")
    require.NoError(t, err)
    assert.EqualValues(t, 1, n)
    select {
    case m := <-got:
        assert.Equal(t, "news", string(m.Channel))
    case <-ctx.Done():
        t.Fatal("no message")
    }

    st, err := admin.NewClient(time.Second).Status(ctx, c.AdminAddr())
    require.NoError(t, err)
    assert.True(t, st.Ready)
    assert.Len(t, st.Ranges, 3)
}

func TestRunStandaloneOverTCP(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    defer ln.Close()
    node := fakeserver.NewNode("solo", "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
    go node.Serve(ln)

    ctx := testCtx(t)
    c, err := Run(ctx, Config{Mode: ModeStandalone, Addr: node.Addr(), ClientTimeout: 2 * time.Second, Logger: quiet()})
    require.NoError(t, err)
    defer c.Close()
    require.NotNil(t, c.Single)
    assert.Empty(t, c.AdminAddr())

    _, err = c.Cmd(ctx, []any{"SET", "k", "v"})
    require.NoError(t, err)
    v, err := c.Cmd(ctx, []any{"GET", "k"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "v", v)

    got := make(chan pipeline.Message, 1)
    unsub, err := c.Subscribe(ctx, "ch", false, func(m pipeline.Message) { got <- m })
    require.NoError(t, err)
    defer unsub()
    n, err := c.Publish(ctx, "ch", "hi")
    require.NoError(t, err)
    assert.EqualValues(t, 1, n)
    select {
    case m := <-got:
        assert.Equal(t, "hi", string(m.Payload))
    case <-ctx.Done():
        t.Fatal("no message")
    }
}

func TestRunClusterWithGossipAndGRPCAdmin(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7150)
    ctx := testCtx(t)

    // a sidecar agent advertising one cluster node
    sidecar, err := gossip.New(gossip.Options{Name: "sidecar", Bind: "127.0.0.1:0", Endpoint: fc.Masters()[0].Addr(), Logger: quiet()})
    require.NoError(t, err)
    require.NoError(t, sidecar.Start(ctx))
    defer sidecar.Stop()

    c, err := Run(ctx, Config{
        DiscoveryKind: "gossip",
        GossipBind:    "127.0.0.1:0",
        GossipJoinCSV: sidecar.Addr(),
        AdminAddr:     "127.0.0.1:0",
        AdminProto:    AdminGRPC,
        NewTransport:  func(ep string, _ bool) transport.Transport { return fc.Transport(ep) },
        Logger:        quiet(),
    })
    require.NoError(t, err)
    defer c.Close()
    require.NotNil(t, c.Gossip())
    assert.Equal(t, []string{fc.Masters()[0].Addr()}, c.Gossip().Seeds())

    _, err = c.Cmd(ctx, []any{"SET", "k", "v"})
    require.NoError(t, err)

    cli := admingrpc.NewClient(time.Second)
    defer cli.Close()
    st, err := cli.Status(ctx, c.AdminAddr())
    require.NoError(t, err)
    assert.True(t, st.Ready)
    assert.Len(t, st.Nodes, 2)
}
