package topology

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/fakeserver"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
)

type stubClient struct {
    mu    sync.Mutex
    reply any
    err   error
    calls int
}

func (s *stubClient) Cmd(_ context.Context, args []any, _ ...call.Option) (any, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.calls++
    return s.reply, s.err
}

func (s *stubClient) set(reply any, err error) {
    s.mu.Lock()
    s.reply, s.err = reply, err
    s.mu.Unlock()
}

func (s *stubClient) Endpoint() string { return "stub:1" }
func (s *stubClient) Stop() error      { return nil }

func nodeInfo(id, ip string, port int, role string) map[string]any {
    return map[string]any{"id": id, "ip": ip, "endpoint": ip, "port": int64(port), "role": role, "health": "online", "replication-offset": int64(7)}
}

// two shards, the second one owning two separate slot ranges
func twoShards(prefix string) []any {
    return []any{
        map[string]any{
            "slots": []any{int64(0), int64(5000)},
            "nodes": []any{nodeInfo(prefix+"1", "10.0.0.1", 7000, "master"), nodeInfo(prefix+"1r", "10.0.0.2", 7001, "replica")},
        },
        map[string]any{
            "slots": []any{int64(5001), int64(10000), int64(10001), int64(16383)},
            "nodes": []any{nodeInfo(prefix+"2", "10.0.0.3", 7002, "master")},
        },
    }
}

func viaNode(c Client) *Node {
    n := NewNode("a1", []string{"seed.local"}, 7000)
    n.Attach(c)
    return n
}

func TestRebuildInstallsSnapshot(t *testing.T) {
    r := NewRouter(nil)
    assert.True(t, r.IsEmpty())
    assert.Nil(t, r.Master(0))
    assert.Nil(t, r.RandomNode())

    stub := &stubClient{reply: twoShards("a")}
    require.NoError(t, r.Rebuild(context.Background(), viaNode(stub)))
    assert.False(t, r.IsEmpty())
    assert.Len(t, r.Ranges(), 3)
    assert.Len(t, r.Nodes(), 3)

    tests := []struct {
        slot int
        want string
    }{
        {0, "a1"}, {5000, "a1"}, {5001, "a2"}, {10000, "a2"}, {10001, "a2"}, {16383, "a2"},
    }
    for _, tt := range tests {
        m := r.Master(tt.slot)
        require.NotNil(t, m, "slot %d", tt.slot)
        assert.Equal(t, tt.want, m.ID, "slot %d", tt.slot)
        assert.Equal(t, RoleMaster, m.Role())
    }

    self := r.NodeByID("a1")
    require.NotNil(t, self)
    assert.Equal(t, []string{"10.0.0.1", "seed.local"}, self.Hosts(), "self identity learns the seed host")
    assert.Same(t, self, r.NodeByEndpoint("seed.local", 7000))
    assert.Same(t, self, r.NodeByEndpoint("10.0.0.1", 7000))
    assert.Nil(t, r.NodeByEndpoint("10.0.0.1", 7999))
    assert.Nil(t, self.Client(), "the rebuilt node does not inherit the seed connection")
    assert.Equal(t, int64(7), self.ReplicationOffset())
    assert.Equal(t, HealthOnline, self.Health())
}

func TestReadCandidatePrefersReplicas(t *testing.T) {
    r := NewRouter(nil)
    require.NoError(t, r.Rebuild(context.Background(), viaNode(&stubClient{reply: twoShards("a")})))
    for i := 0; i < 50; i++ {
        assert.Equal(t, "a1r", r.ReadCandidate(42).ID)
        assert.Equal(t, "a2", r.ReadCandidate(9000).ID, "range without replicas falls back to its nodes")
    }
}

func TestRebuildFailureKeepsPreviousSnapshot(t *testing.T) {
    r := NewRouter(nil)
    stub := &stubClient{reply: twoShards("a")}
    via := viaNode(stub)
    require.NoError(t, r.Rebuild(context.Background(), via))
    before := r.Snapshot()

    boom := errors.New("boom")
    stub.set(nil, boom)
    require.ErrorIs(t, r.Rebuild(context.Background(), via), boom)
    assert.Same(t, before, r.Snapshot())

    stub.set([]any{}, nil)
    require.ErrorIs(t, r.Rebuild(context.Background(), via), ErrEmptyTopology)
    assert.Same(t, before, r.Snapshot())

    stub.set([]any{map[string]any{"slots": []any{int64(0)}, "nodes": []any{}}}, nil)
    require.ErrorIs(t, r.Rebuild(context.Background(), via), ErrMalformed)
    assert.Same(t, before, r.Snapshot())

    require.ErrorIs(t, r.Rebuild(context.Background(), NewNode("x", []string{"h"}, 1)), ErrNoClient)
}

func TestBuildAcceptsFlatLists(t *testing.T) {
    reply := []any{
        []any{
            "slots", []any{"0", "16383"},
            "nodes", []any{
                []any{"id", "n1", "port", int64(0), "tls-port", int64(6380), "hostname", "n1.example", "ip", "10.1.1.1", "role", "master", "health", "loading"},
            },
        },
    }
    snap, err := Build(reply, nil)
    require.NoError(t, err)
    n := snap.Master(123)
    require.NotNil(t, n)
    assert.True(t, n.TLS)
    assert.Equal(t, 6380, n.Port)
    assert.Equal(t, "n1.example:6380", n.Endpoint())
    assert.Equal(t, HealthLoading, n.Health())
}

func TestRangeForGaps(t *testing.T) {
    reply := []any{map[string]any{
        "slots": []any{int64(10), int64(20), int64(30), int64(40)},
        "nodes": []any{nodeInfo("n", "h", 1, "master")},
    }}
    snap, err := Build(reply, nil)
    require.NoError(t, err)
    for _, slot := range []int{0, 9, 21, 29, 41, 16383} {
        assert.Nil(t, snap.RangeFor(slot), "slot %d", slot)
    }
    for _, slot := range []int{10, 15, 20, 30, 40} {
        assert.NotNil(t, snap.RangeFor(slot), "slot %d", slot)
    }
}

func TestMergeNode(t *testing.T) {
    r := NewRouter(nil)
    require.NoError(t, r.Rebuild(context.Background(), viaNode(&stubClient{reply: twoShards("a")})))

    live := &stubClient{}
    known := NewNode("a2", []string{"a2.example", "10.0.0.3"}, 7002)
    known.role = RoleReplica
    known.Attach(live)
    got, err := r.MergeNode(known)
    require.NoError(t, err)
    assert.Equal(t, "a2", got.ID)
    assert.Equal(t, []string{"10.0.0.3", "a2.example"}, got.Hosts())
    assert.Equal(t, RoleMaster, got.Role(), "first writer wins")
    assert.Same(t, Client(live), got.Client())

    other := &stubClient{}
    again := NewNode("a2", nil, 7002)
    again.Attach(other)
    _, err = r.MergeNode(again)
    require.NoError(t, err)
    assert.Same(t, Client(live), got.Client(), "attached client is never replaced")

    _, err = r.MergeNode(NewNode("a2", nil, 9999))
    require.ErrorIs(t, err, ErrInvalidPort)

    fresh, err := r.MergeNode(NewNode("new", []string{"10.9.9.9"}, 7100))
    require.NoError(t, err)
    assert.Same(t, fresh, r.NodeByID("new"))
    assert.Same(t, fresh, r.NodeByEndpoint("10.9.9.9", 7100))
    assert.Len(t, r.Ranges(), 3)
}

func TestReadersNeverSeeMixedSnapshots(t *testing.T) {
    r := NewRouter(nil)
    a, b := twoShards("a"), twoShards("b")
    stub := &stubClient{reply: a}
    via := viaNode(stub)
    require.NoError(t, r.Rebuild(context.Background(), via))

    stop := make(chan struct{})
    var wg sync.WaitGroup
    for i := 0; i < 4; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for {
                select {
                case <-stop:
                    return
                default:
                }
                snap := r.Snapshot()
                lo, hi := snap.Master(0), snap.Master(16383)
                if lo == nil || hi == nil || lo.ID[0] != hi.ID[0] {
                    t.Errorf("mixed snapshot: %v %v", lo, hi)
                    return
                }
            }
        }()
    }
    for i := 0; i < 200; i++ {
        if i%2 == 0 {
            stub.set(b, nil)
        } else {
            stub.set(a, nil)
        }
        require.NoError(t, r.Rebuild(context.Background(), via))
    }
    close(stop)
    wg.Wait()
}

func TestRebuildAgainstFakeCluster(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 1, 7000)
    seed := fc.Masters()[1]
    c, err := pipeline.New(pipeline.Options{Transport: fc.Transport(seed.Addr())})
    require.NoError(t, err)
    require.NoError(t, c.Start())
    t.Cleanup(func() { _ = c.Stop() })

    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    via := NewNode(seed.ID, []string{seed.Host}, seed.Port)
    via.Attach(c)
    r := NewRouter(nil)
    require.NoError(t, r.Rebuild(ctx, via))

    assert.Len(t, r.Nodes(), 6)
    for _, slot := range []int{0, 5460, 5461, 16383} {
        want := fc.MasterFor(slot)
        got := r.Master(slot)
        require.NotNil(t, got, "slot %d", slot)
        assert.Equal(t, want.ID, got.ID, "slot %d", slot)
        assert.Equal(t, want.Addr(), got.Endpoint())
        assert.Len(t, r.Snapshot().RangeFor(slot).Replicas(), 1)
    }
}
