package cluster

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/fakeserver"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
    "github.com/amirimatin/go-kvcluster/pkg/slots"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

func testCtx(t *testing.T) context.Context {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    t.Cleanup(cancel)
    return ctx
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
    t.Helper()
    require.Eventually(t, cond, 3*time.Second, 2*time.Millisecond, msg)
}

func testOptions(fc *fakeserver.Cluster) Options {
    return Options{
        Seeds:             []string{fc.Masters()[0].Addr()},
        NewTransport:      func(ep string, _ bool) transport.Transport { return fc.Transport(ep) },
        ClientTimeout:     200 * time.Millisecond,
        SeedMinBackoff:    5 * time.Millisecond,
        SeedMaxBackoff:    50 * time.Millisecond,
        RebuildMinBackoff: 5 * time.Millisecond,
        RebuildMaxBackoff: 50 * time.Millisecond,
        AskDelay:          time.Millisecond,
        Logger:            log.New(io.Discard, "", 0),
    }
}

func newCluster(t *testing.T, opts Options) *Cluster {
    t.Helper()
    c, err := New(opts)
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return c
}

func startCluster(t *testing.T, fc *fakeserver.Cluster, mut ...func(*Options)) *Cluster {
    t.Helper()
    opts := testOptions(fc)
    for _, m := range mut { m(&opts) }
    c := newCluster(t, opts)
    require.NoError(t, c.Start(context.Background()))
    require.NoError(t, c.WhenRouterReady(testCtx(t)))
    return c
}

// keyOn returns a key whose slot is currently served by n.
func keyOn(t *testing.T, fc *fakeserver.Cluster, n *fakeserver.Node, prefix string) string {
    t.Helper()
    for i := 0; i < 100000; i++ {
        k := fmt.Sprintf("%s-%d", prefix, i)
        if fc.MasterFor(slots.OfString(k)) == n { return k }
    }
    t.Fatalf("no key for %s", n.ID)
    return ""
}

func movedTo(slot int, n *fakeserver.Node) *resp.Error {
    return &resp.Error{Msg: fmt.Sprintf("MOVED %d %s", slot, n.Addr())}
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options{})
    assert.ErrorIs(t, err, ErrNoSeeds)
    _, err = New(Options{Seeds: []string{"a:1"}, AskDelay: -1})
    assert.Error(t, err)
    _, err = New(Options{Seeds: []string{"a:1"}, SeedMinBackoff: time.Second, SeedMaxBackoff: time.Millisecond})
    assert.Error(t, err)
}

func TestRoutesKeysToSlotMaster(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 0, 7000)
    c := startCluster(t, fc)
    ctx := testCtx(t)

    for i := 0; i < 50; i++ {
        k := fmt.Sprintf("key:%d", i)
        v, err := c.Cmd(ctx, []any{"SET", k, "v"})
        require.NoError(t, err)
        assert.Equal(t, "OK", v)
        got, ok := fc.MasterFor(slots.OfString(k)).Get(k)
        require.True(t, ok, "key %s stored on its slot master", k)
        assert.Equal(t, "v", got)
    }
    for _, m := range fc.Masters() {
        assert.Zero(t, m.Count("ASKING"))
    }

    v, err := c.Cmd(ctx, []any{"GET", "key:7"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "v", v)

    a, err := c.ClientForKey(ctx, "{user1}:name", true)
    require.NoError(t, err)
    b, err := c.ClientForKey(ctx, "{user1}:email", true)
    require.NoError(t, err)
    assert.Same(t, a, b, "hash tags share a slot")
    assert.Equal(t, fc.MasterFor(slots.OfString("user1")).Addr(), a.Endpoint())
}

func TestSeedConnectionIsDiscarded(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 0, 7000)
    seed := fc.Masters()[0]
    c := startCluster(t, fc)
    waitUntil(t, func() bool { return seed.Sessions() == 0 }, "seed connection closed after rebuild")
    assert.Equal(t, 2, seed.Count("CLUSTER"), "MYID and SHARDS only")
    st, err := c.Status(testCtx(t))
    require.NoError(t, err)
    assert.Zero(t, st.Pipelines)
}

func TestMovedFollowsTargetAndRebuilds(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 0, 7000)
    a, b := fc.Masters()[0], fc.Masters()[1]
    c := startCluster(t, fc)
    ctx := testCtx(t)
    events := c.Subscribe(ctx)

    k := keyOn(t, fc, a, "moving")
    slot := slots.OfString(k)
    require.Equal(t, a.ID, c.Router().Master(slot).ID)
    fc.Assign(slot, slot, b)

    v, err := c.Cmd(ctx, []any{"SET", k, "1"})
    require.NoError(t, err)
    assert.Equal(t, "OK", v)
    _, onA := a.Get(k)
    assert.False(t, onA)
    got, onB := b.Get(k)
    assert.True(t, onB)
    assert.Equal(t, "1", got)

    waitUntil(t, func() bool { return c.Router().Master(slot).ID == b.ID }, "router rebuilt after MOVED")
    var sawRedirect, sawRebuild bool
    timeout := time.After(3 * time.Second)
    for !(sawRedirect && sawRebuild) {
        select {
        case ev := <-events:
            switch ev.Type {
            case EventRedirect:
                sawRedirect = true
                assert.Equal(t, slot, ev.Slot)
                assert.Equal(t, b.Addr(), ev.Endpoint)
                assert.Equal(t, "moved", ev.Details["kind"])
            case EventRouterRebuilt:
                sawRebuild = true
            }
        case <-timeout:
            t.Fatalf("events: redirect=%v rebuild=%v", sawRedirect, sawRebuild)
        }
    }

    // routed straight to the new owner now
    before := a.Count("SET")
    _, err = c.Cmd(ctx, []any{"SET", k, "2"})
    require.NoError(t, err)
    assert.Equal(t, before, a.Count("SET"))
}

// topologyQueries counts the CLUSTER commands served by every master.
func topologyQueries(fc *fakeserver.Cluster) int {
    total := 0
    for _, m := range fc.Masters() { total += m.Count("CLUSTER") }
    return total
}

func TestRedirectToSameNodeFailsFast(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7000)
    a := fc.Masters()[0]
    c := startCluster(t, fc)
    k := keyOn(t, fc, a, "loop")
    waitUntil(t, func() bool { return !c.rebuilding.Load() }, "initial rebuild settled")
    queries := topologyQueries(fc)
    a.SetHook(func(s *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "GET" { return movedTo(slots.OfString(args[1]), a), true }
        return nil, false
    })
    cl := call.New([]any{"GET", k})
    _, err := c.Call(testCtx(t), cl)
    require.ErrorIs(t, err, ErrRedirectLoop)
    assert.Equal(t, 1, a.Count("GET"))
    _, err = cl.Result()
    assert.ErrorIs(t, err, ErrRedirectLoop, "the caller's call settles with the final error")
    waitUntil(t, func() bool { return topologyQueries(fc) > queries }, "MOVED still triggers a rebuild")
}

func TestTooManyRedirects(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7000)
    a, b := fc.Masters()[0], fc.Masters()[1]
    c := startCluster(t, fc)
    k := keyOn(t, fc, a, "pingpong")
    bounce := func(to *fakeserver.Node) fakeserver.HookFunc {
        return func(s *fakeserver.Session, args []string) (any, bool) {
            if args[0] == "GET" && args[1] == k { return movedTo(slots.OfString(k), to), true }
            return nil, false
        }
    }
    a.SetHook(bounce(b))
    b.SetHook(bounce(a))
    waitUntil(t, func() bool { return !c.rebuilding.Load() }, "initial rebuild settled")
    queries := topologyQueries(fc)

    _, err := c.Cmd(testCtx(t), []any{"GET", k}, call.MaxRedirects(2))
    require.ErrorIs(t, err, ErrTooManyRedirects)
    assert.Equal(t, 2, a.Count("GET"))
    assert.Equal(t, 1, b.Count("GET"))
    waitUntil(t, func() bool { return topologyQueries(fc) > queries }, "MOVED triggers a rebuild")
}

func TestAskDuringMigration(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7000)
    a, b := fc.Masters()[0], fc.Masters()[1]
    c := startCluster(t, fc)
    k := keyOn(t, fc, a, "migrating")
    slot := slots.OfString(k)
    fc.Migrate(slot, b)
    ctx := testCtx(t)
    events := c.Subscribe(ctx)

    v, err := c.Cmd(ctx, []any{"SET", k, "x"})
    require.NoError(t, err)
    assert.Equal(t, "OK", v)
    got, ok := b.Get(k)
    assert.True(t, ok)
    assert.Equal(t, "x", got)
    assert.Equal(t, 1, b.Count("ASKING"))
    assert.Equal(t, a.ID, c.Router().Master(slot).ID, "ASK does not change the table")
    select {
    case ev := <-events:
        assert.Equal(t, EventRedirect, ev.Type)
        assert.Equal(t, "ask", ev.Details["kind"])
    case <-time.After(time.Second):
        t.Fatal("no redirect event")
    }
}

func TestTooManyAskRetries(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7000)
    a, b := fc.Masters()[0], fc.Masters()[1]
    c := startCluster(t, fc)
    k := keyOn(t, fc, a, "stuck")
    ask := func(to *fakeserver.Node) fakeserver.HookFunc {
        return func(s *fakeserver.Session, args []string) (any, bool) {
            if args[0] == "GET" { return &resp.Error{Msg: fmt.Sprintf("ASK %d %s", slots.OfString(k), to.Addr())}, true }
            return nil, false
        }
    }
    a.SetHook(ask(b))
    b.SetHook(ask(a))

    start := time.Now()
    _, err := c.Cmd(testCtx(t), []any{"GET", k}, call.MaxRetries(3))
    require.ErrorIs(t, err, ErrTooManyRetries)
    assert.Equal(t, 4, a.Count("GET")+b.Count("GET"))
    // 1ms + 2ms + 4ms of ask delay
    assert.GreaterOrEqual(t, time.Since(start), 7*time.Millisecond)
}

func TestReplicaReads(t *testing.T) {
    fc := fakeserver.NewTestCluster(1, 1, 7000)
    replica := fc.Nodes()[1]
    c := startCluster(t, fc)
    ctx := testCtx(t)

    _, err := c.Cmd(ctx, []any{"GET", "r"}, call.Replica())
    require.NoError(t, err)
    assert.Equal(t, 1, replica.Count("GET"))
    assert.Equal(t, 1, replica.Count("READONLY"))

    // writes ignore read intent
    _, err = c.Cmd(ctx, []any{"SET", "r", "1"}, call.Replica())
    require.NoError(t, err)
    assert.Zero(t, replica.Count("SET"))
}

type seedList struct {
    mu    sync.Mutex
    seeds []string
}

func (s *seedList) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    return append([]string(nil), s.seeds...)
}

func (s *seedList) set(seeds ...string) {
    s.mu.Lock()
    s.seeds = seeds
    s.mu.Unlock()
}

func TestSeedsAreTriedRoundRobin(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7000)
    good := fc.Masters()[1]
    c := startCluster(t, fc, func(o *Options) {
        o.Seeds = []string{"127.0.0.1:6990", "127.0.0.1:6991", good.Addr()}
        o.ClientTimeout = 20 * time.Millisecond
    })
    assert.False(t, c.Router().IsEmpty())
    assert.GreaterOrEqual(t, good.Count("CLUSTER"), 2)
}

func TestWhenRouterReadyWaitsForFirstTable(t *testing.T) {
    fc := fakeserver.NewTestCluster(2, 0, 7000)
    disc := &seedList{seeds: []string{"127.0.0.1:6990"}}
    opts := testOptions(fc)
    opts.Seeds = nil
    opts.Discovery = disc
    opts.ClientTimeout = 20 * time.Millisecond
    c := newCluster(t, opts)
    events := c.Subscribe(testCtx(t))
    require.NoError(t, c.Start(context.Background()))

    short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel()
    assert.ErrorIs(t, c.WhenRouterReady(short), context.DeadlineExceeded)
    timeout := time.After(time.Second)
    for failed := false; !failed; {
        select {
        case ev := <-events:
            if ev.Type == EventRebuildFailed {
                failed = true
                assert.Error(t, ev.Err)
            }
        case <-timeout:
            t.Fatal("no failure event")
        }
    }

    disc.set(fc.Masters()[0].Addr())
    require.NoError(t, c.WhenRouterReady(testCtx(t)))
    require.NoError(t, c.WhenRouterReady(context.Background()), "returns at once when a table exists")
}

func TestEvalLoadsScriptOnOwningNode(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 0, 7000)
    owner := fc.Masters()[2]
    c := startCluster(t, fc)
    _, err := c.Scripts().Set("echo", "return {KEYS[1], ARGV[1]}")
    require.NoError(t, err)
    k := keyOn(t, fc, owner, "script")

    v, err := c.Eval(testCtx(t), "echo", []string{k}, []any{"arg"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, []any{k, "arg"}, v)
    assert.Equal(t, 2, owner.Count("EVALSHA"))
    assert.Equal(t, 1, owner.Count("SCRIPT"))
    for _, m := range fc.Masters()[:2] {
        assert.Zero(t, m.Count("SCRIPT"))
    }

    v, err = c.Eval(testCtx(t), "echo", []string{k}, []any{"again"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, []any{k, "again"}, v)
    assert.Equal(t, 1, owner.Count("SCRIPT"), "cached script is not reloaded")

    _, err = c.Eval(testCtx(t), "missing", nil, nil)
    assert.ErrorIs(t, err, pipeline.ErrScriptNotRegistered)
}

func TestInvalidCalls(t *testing.T) {
    fc := fakeserver.NewTestCluster(1, 0, 7000)
    c := startCluster(t, fc)
    ctx := testCtx(t)

    _, err := c.Cmd(ctx, []any{})
    assert.ErrorIs(t, err, ErrInvalidCommand)
    _, err = c.Cmd(ctx, []any{42, "k"})
    assert.ErrorIs(t, err, ErrInvalidCommand)
    _, err = c.Call(ctx, call.NewMulti([][]any{{"SET", "a", "1"}, {"GET", "a"}}))
    assert.ErrorIs(t, err, ErrMissingKey)

    v, err := c.CmdMulti(ctx, "a", [][]any{{"SET", "a", "1"}, {"GET", "a"}}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "1", v)

    v, err = c.Cmd(ctx, []any{"PING"})
    require.NoError(t, err)
    assert.Equal(t, "PONG", v)
}

func TestRemoteErrorsReachCaller(t *testing.T) {
    fc := fakeserver.NewTestCluster(1, 0, 7000)
    c := startCluster(t, fc)
    _, err := c.Cmd(testCtx(t), []any{"NOPE", "k"})
    var re *resp.Error
    require.ErrorAs(t, err, &re)
    assert.Equal(t, "ERR", re.Code())
}

func TestStopFailsLaterCalls(t *testing.T) {
    fc := fakeserver.NewTestCluster(1, 0, 7000)
    c := startCluster(t, fc)
    require.NoError(t, c.Close())
    require.NoError(t, c.Close())
    _, err := c.Cmd(testCtx(t), []any{"GET", "k"})
    assert.ErrorIs(t, err, ErrStopped)
    _, err = c.AnyClient()
    assert.ErrorIs(t, err, ErrStopped)
    assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

func TestStatus(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 1, 7000)
    c := startCluster(t, fc)
    _, err := c.Cmd(testCtx(t), []any{"SET", "s", "1"})
    require.NoError(t, err)

    st, err := c.Status(testCtx(t))
    require.NoError(t, err)
    assert.True(t, st.Ready)
    assert.Len(t, st.Nodes, 6)
    assert.Len(t, st.Ranges, 3)
    assert.Empty(t, st.Warnings)
    assert.Equal(t, 1, st.Pipelines)
    for _, r := range st.Ranges {
        assert.NotEmpty(t, r.Master)
        assert.Len(t, r.Replicas, 1)
    }
    b, err := json.Marshal(st)
    require.NoError(t, err)
    assert.Contains(t, string(b), `"ready":true`)
}

func TestShardPubSub(t *testing.T) {
    fc := fakeserver.NewTestCluster(3, 0, 7000)
    c := startCluster(t, fc)
    ctx := testCtx(t)
    owner := fc.MasterFor(slots.OfString("orders"))

    got := make(chan pipeline.Message, 4)
    unsub, err := c.SSubscribe(ctx, "orders", func(m pipeline.Message) { got <- m })
    require.NoError(t, err)
    assert.Equal(t, 1, owner.Count("SSUBSCRIBE"))

    n, err := c.SPublish(ctx, "orders", "o-1")
    require.NoError(t, err)
    assert.Equal(t, int64(1), n)
    select {
    case m := <-got:
        assert.Equal(t, "orders", string(m.Channel))
        assert.Equal(t, "o-1", string(m.Payload))
    case <-time.After(3 * time.Second):
        t.Fatal("no shard message")
    }

    unsub()
    unsub()
    waitUntil(t, func() bool { return owner.Count("SUNSUBSCRIBE") == 1 }, "sunsubscribe sent")

    n, err = c.Publish(ctx, "news", "hello")
    require.NoError(t, err)
    assert.Zero(t, n)
}

func TestIsWrite(t *testing.T) {
    tests := []struct {
        name string
        want bool
    }{
        {"SET", true}, {"set", true}, {"EVALSHA", true}, {"SPUBLISH", true},
        {"GET", false}, {"PING", false}, {"CLUSTER", false},
    }
    for _, tt := range tests {
        assert.Equal(t, tt.want, IsWrite(tt.name), tt.name)
    }
}

func TestClassify(t *testing.T) {
    n := fakeserver.NewNode("a", "10.0.0.9", 7000)
    p, err := pipeline.New(pipeline.Options{Transport: n.Transport()})
    require.NoError(t, err)
    t.Cleanup(func() { _ = p.Stop() })

    out := classify(nil, &resp.Error{Msg: "MOVED 12 :7001"}, p)
    assert.Equal(t, outcomeRedirect, out.kind)
    assert.Equal(t, "10.0.0.9:7001", out.target, "empty host falls back to the dialed one")
    assert.Equal(t, 12, out.slot)

    out = classify(nil, &resp.Error{Msg: "ASK 3 10.0.0.1:7002"}, p)
    assert.Equal(t, outcomeRetry, out.kind)
    assert.Equal(t, "10.0.0.1:7002", out.target)

    out = classify(nil, &resp.Error{Msg: "MOVED nonsense"}, p)
    assert.Equal(t, outcomeFatal, out.kind)

    out = classify("v", nil, p)
    assert.Equal(t, outcomeSettled, out.kind)
    assert.Equal(t, "v", out.value)
}

func TestPoolEvictsIdleUnknownEndpoints(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 7000)
    dial := func(ep string, _, _ bool) (*pipeline.Client, error) {
        return pipeline.New(pipeline.Options{Transport: n.Transport()})
    }
    keep := func(ep string) bool { return ep == "kept:1" }
    pl := newPool(time.Minute, dial, keep)
    defer pl.close()

    kept, release, err := pl.get("kept:1", false, false)
    require.NoError(t, err)
    release()
    _, release, err = pl.get("gone:1", false, false)
    require.NoError(t, err)
    release()
    held, releaseHeld, err := pl.get("held:1", false, false)
    require.NoError(t, err)

    again, release, err := pl.get("kept:1", false, false)
    require.NoError(t, err)
    release()
    assert.Same(t, kept, again)
    assert.Equal(t, 3, pl.len())

    assert.Equal(t, 1, pl.evict(time.Now().Add(time.Second)))
    assert.Nil(t, pl.lookup("gone:1"))
    assert.Same(t, held, pl.lookup("held:1"))
    releaseHeld()
    assert.Equal(t, 1, pl.evict(time.Now().Add(time.Second)))
    assert.Equal(t, 1, pl.len())

    pl.close()
    _, _, err = pl.get("kept:1", false, false)
    assert.ErrorIs(t, err, ErrStopped)
}
