package pipeline

import (
    "context"
    "fmt"
    "io"
    "log"
    "strconv"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/fakeserver"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
)

func testCtx(t *testing.T) context.Context {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    t.Cleanup(cancel)
    return ctx
}

func newClient(t *testing.T, n *fakeserver.Node, mut ...func(*Options)) *Client {
    t.Helper()
    tr := n.Transport()
    opts := Options{Transport: tr, Logger: log.New(io.Discard, "", 0)}
    for _, m := range mut { m(&opts) }
    c, err := New(opts)
    require.NoError(t, err)
    t.Cleanup(func() {
        _ = c.Stop()
        _ = tr.Close()
    })
    return c
}

func startClient(t *testing.T, n *fakeserver.Node, mut ...func(*Options)) *Client {
    t.Helper()
    c := newClient(t, n, mut...)
    require.NoError(t, c.Start())
    require.NoError(t, c.WhenReady(testCtx(t)))
    return c
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
    t.Helper()
    require.Eventually(t, cond, 3*time.Second, 2*time.Millisecond, msg)
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options{})
    assert.ErrorIs(t, err, ErrNoTransport)
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    _, err = New(Options{Transport: n.Transport(), Init: [][]any{{}}})
    assert.ErrorIs(t, err, call.ErrEmptyCommand)
}

func TestRepliesSettleInIssueOrderWithInterleavedPushes(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    // every ECHO is preceded by an unsolicited push on the same connection
    n.SetHook(func(s *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "ECHO" { _ = s.Write(resp.NewPush("invalidate", []any{args[1]})) }
        return nil, false
    })
    c := startClient(t, n)
    var pushes sync.WaitGroup
    const total = 200
    pushes.Add(total)
    c.OnPush.Listen(func(p *resp.Push) {
        if p.Kind == "invalidate" { pushes.Done() }
    })

    calls := make([]*call.Call, total)
    for i := range calls {
        calls[i] = c.Send(call.New([]any{"ECHO", strconv.Itoa(i)}, call.UTF8Res()))
    }
    ctx := testCtx(t)
    for i, cl := range calls {
        v, err := cl.Wait(ctx)
        require.NoError(t, err)
        require.Equal(t, strconv.Itoa(i), v, "call %d got another call's reply", i)
    }
    pushes.Wait()
}

func TestHandshakeAuthAndServerInfo(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.Password = "s3cret"
    c := newClient(t, n, func(o *Options) { o.Password = "s3cret" })

    // issued before the connection exists, it must wait for the handshake
    pending := c.Send(call.New([]any{"SET", "k", "v"}))
    require.NoError(t, c.Start())
    _, err := pending.Wait(testCtx(t))
    require.NoError(t, err)
    require.NoError(t, c.WhenReady(testCtx(t)))

    info := c.Info()
    assert.Equal(t, "fakeserver", info.Server)
    assert.Equal(t, "standalone", info.Mode)
    assert.Equal(t, int64(3), info.Proto)
    assert.True(t, c.IsReady())
    assert.Equal(t, 1, n.Count("HELLO"))
    v, ok := n.Get("k")
    assert.True(t, ok)
    assert.Equal(t, "v", v)
}

func TestHandshakeFailureRejectsWaitingCalls(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.Password = "s3cret"
    c := newClient(t, n, func(o *Options) { o.Password = "wrong" })
    pending := c.Send(call.New([]any{"GET", "k"}))
    require.NoError(t, c.Start())

    err := c.WhenReady(testCtx(t))
    require.Error(t, err)
    var rerr *resp.Error
    require.ErrorAs(t, err, &rerr)
    assert.Equal(t, "WRONGPASS", rerr.Code())
    _, err = pending.Wait(testCtx(t))
    assert.ErrorAs(t, err, &rerr)
    assert.Zero(t, n.Count("GET"))
}

func TestFireAndForgetAndUTF8Replies(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n)
    require.NoError(t, c.CmdFnF([]any{"SET", "k", "v"}))

    raw, err := c.Cmd(testCtx(t), []any{"GET", "k"})
    require.NoError(t, err)
    assert.Equal(t, []byte("v"), raw)
    str, err := c.Cmd(testCtx(t), []any{"GET", "k"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "v", str)

    assert.ErrorIs(t, c.CmdFnF(nil), call.ErrEmptyCommand)
}

func TestRemoteErrorRejectsOnlyItsCall(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n)
    bad := c.Send(call.New([]any{"NOPE"}))
    good := c.Send(call.New([]any{"PING"}))
    _, err := bad.Wait(testCtx(t))
    var rerr *resp.Error
    require.ErrorAs(t, err, &rerr)
    assert.Equal(t, "ERR", rerr.Code())
    v, err := good.Wait(testCtx(t))
    require.NoError(t, err)
    assert.Equal(t, "PONG", v)
}

func TestMultiSettlesWithLastReplyOrFirstError(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n)
    v, err := c.CmdMulti(testCtx(t), [][]any{{"SET", "m", "1"}, {"INCR", "m"}, {"GET", "m"}}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "2", v)

    _, err = c.CmdMulti(testCtx(t), [][]any{{"SET", "m", "1"}, {"NOPE"}, {"GET", "m"}})
    var rerr *resp.Error
    require.ErrorAs(t, err, &rerr)
    // the following call still lines up with its own reply
    v, err = c.Cmd(testCtx(t), []any{"ECHO", "after"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, "after", v)
}

func TestASAPJumpsAheadOfQueuedCalls(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n)

    var mu sync.Mutex
    var seen []string
    n.SetHook(func(_ *fakeserver.Session, args []string) (any, bool) {
        mu.Lock()
        seen = append(seen, args[0])
        if args[0] == "ECHO" { seen[len(seen)-1] += " " + args[1] }
        mu.Unlock()
        return nil, false
    })
    n.SetDown(true)
    n.DropAll()
    waitUntil(t, func() bool { return !c.IsReady() }, "client should notice the drop")

    a := c.Send(call.New([]any{"ECHO", "a"}))
    b := c.Send(call.New([]any{"ECHO", "b"}, call.ASAP()))
    n.SetDown(false)
    _, err := a.Wait(testCtx(t))
    require.NoError(t, err)
    _, err = b.Wait(testCtx(t))
    require.NoError(t, err)

    mu.Lock()
    defer mu.Unlock()
    assert.Equal(t, []string{"HELLO", "ECHO b", "ECHO a"}, seen)
}

func TestCallsDuringReconnectFollowTheHandshake(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.Password = "s3cret"
    var mu sync.Mutex
    firsts := map[int64]string{}
    n.SetHook(func(s *fakeserver.Session, args []string) (any, bool) {
        mu.Lock()
        if _, ok := firsts[s.ID()]; !ok { firsts[s.ID()] = args[0] }
        mu.Unlock()
        return nil, false
    })
    c := startClient(t, n, func(o *Options) { o.Password = "s3cret" })

    for i := 0; i < 20; i++ {
        n.SetDown(true)
        n.DropAll()
        // the call may land in the transport buffer or in the queue,
        // depending on when the client notices the drop
        waitUntil(t, func() bool { return !c.IsConnected() }, "client should notice the drop")
        cl := c.Send(call.New([]any{"GET", "k"}))
        n.SetDown(false)
        _, err := cl.Wait(testCtx(t))
        require.NoError(t, err, "round %d", i)
    }

    mu.Lock()
    defer mu.Unlock()
    for id, cmd := range firsts {
        assert.Equal(t, "HELLO", cmd, "session %d", id)
    }
}

func TestHandshakeRunsOncePerConnection(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    var mu sync.Mutex
    hellos := map[int64]int{}
    n.SetHook(func(s *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "HELLO" {
            mu.Lock()
            hellos[s.ID()]++
            mu.Unlock()
        }
        return nil, false
    })
    c := startClient(t, n, func(o *Options) { o.Init = [][]any{{"READONLY"}} })
    c.Sub("news", func(Message) {})

    for i := 0; i < 10; i++ {
        n.DropAll()
        n.DropAll()
    }
    _, err := c.Cmd(testCtx(t), []any{"PING"})
    require.NoError(t, err)

    mu.Lock()
    defer mu.Unlock()
    for id, k := range hellos {
        assert.Equal(t, 1, k, "session %d", id)
    }
}

func TestInFlightCallsFailWhenConnectionDrops(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.SetHook(func(_ *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "BLPOP" { return fakeserver.NoReply, true }
        return nil, false
    })
    c := startClient(t, n)
    stuck := c.Send(call.New([]any{"BLPOP", "q", "0"}))
    waitUntil(t, func() bool { return n.Count("BLPOP") == 1 }, "command should reach the server")
    n.DropAll()

    _, err := stuck.Wait(testCtx(t))
    assert.ErrorIs(t, err, ErrConnectionLost)
    // the pipeline reconnects and keeps working
    v, err := c.Cmd(testCtx(t), []any{"PING"})
    require.NoError(t, err)
    assert.Equal(t, "PONG", v)
    assert.Equal(t, 2, n.Count("HELLO"))
}

func TestDecodeErrorForcesReconnect(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.SetHook(func(s *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "GARBLE" {
            _ = s.WriteRaw([]byte("?not resp\r\n"))
            return fakeserver.NoReply, true
        }
        return nil, false
    })
    c := startClient(t, n)
    errs := make(chan error, 4)
    c.OnError.Listen(func(err error) { errs <- err })

    _, err := c.Cmd(testCtx(t), []any{"GARBLE"})
    assert.ErrorIs(t, err, ErrConnectionLost)
    select {
    case err := <-errs:
        assert.ErrorIs(t, err, resp.ErrProtocol)
    case <-time.After(time.Second):
        t.Fatal("decode error was not reported")
    }
    _, err = c.Cmd(testCtx(t), []any{"PING"})
    require.NoError(t, err)
}

func TestEncodeErrorRejectsCallAndReconnects(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n)
    errs := make(chan error, 4)
    c.OnError.Listen(func(err error) { errs <- err })

    _, err := c.Cmd(testCtx(t), []any{"SET", "k", struct{}{}})
    assert.ErrorIs(t, err, resp.ErrUnsupportedArg)
    _, err = c.Cmd(testCtx(t), []any{"SET", "k", "\xff"}, call.UTF8())
    assert.ErrorIs(t, err, resp.ErrInvalidUTF8)
    select {
    case err := <-errs:
        assert.ErrorIs(t, err, resp.ErrUnsupportedArg)
    case <-time.After(time.Second):
        t.Fatal("encode error was not reported")
    }
    _, err = c.Cmd(testCtx(t), []any{"PING"})
    require.NoError(t, err)
    _, found := n.Get("k")
    assert.False(t, found)
}

func TestStopFailsPendingAndLaterCalls(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.SetHook(func(_ *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "BLPOP" { return fakeserver.NoReply, true }
        return nil, false
    })
    c := startClient(t, n)
    stuck := c.Send(call.New([]any{"BLPOP", "q", "0"}))
    require.NoError(t, c.Stop())
    _, err := stuck.Wait(testCtx(t))
    assert.ErrorIs(t, err, ErrClosed)
    _, err = c.Cmd(testCtx(t), []any{"PING"})
    assert.ErrorIs(t, err, ErrClosed)
    assert.ErrorIs(t, c.Start(), ErrClosed)
    assert.NoError(t, c.Stop())
}

func TestCallAskingPrefixesASKING(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n)
    v, err := c.CallAsking(testCtx(t), call.New([]any{"ECHO", "x"}, call.UTF8Res()))
    require.NoError(t, err)
    assert.Equal(t, "x", v)
    assert.Equal(t, 1, n.Count("ASKING"))
}

func TestInitCommandsRunAfterEveryHandshake(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    c := startClient(t, n, func(o *Options) { o.Init = [][]any{{"READONLY"}} })
    waitUntil(t, func() bool { return n.Count("READONLY") == 1 }, "init command after first handshake")
    n.DropAll()
    waitUntil(t, func() bool { return n.Count("READONLY") == 2 }, "init command after reconnect")
    _, err := c.Cmd(testCtx(t), []any{"PING"})
    require.NoError(t, err)
}

func TestEvalLoadsScriptOnNoscript(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    reg := scripts.NewRegistry()
    _, err := reg.Set("echo", "return {KEYS[1], ARGV[1]}")
    require.NoError(t, err)
    c := startClient(t, n, func(o *Options) { o.Scripts = reg })

    v, err := c.Eval(testCtx(t), "echo", []string{"k"}, []any{"a"}, call.UTF8Res())
    require.NoError(t, err)
    assert.Equal(t, []any{"k", "a"}, v)
    assert.Equal(t, 2, n.Count("EVALSHA"))
    assert.Equal(t, 1, n.Count("SCRIPT"))

    _, err = c.Eval(testCtx(t), "echo", []string{"k"}, []any{"a"})
    require.NoError(t, err)
    assert.Equal(t, 3, n.Count("EVALSHA"))
    assert.Equal(t, 1, n.Count("SCRIPT"))

    _, err = c.Eval(testCtx(t), "missing", nil, nil)
    assert.ErrorIs(t, err, ErrScriptNotRegistered)
}

func TestEvalSurfacesSecondNoscript(t *testing.T) {
    n := fakeserver.NewNode("a", "127.0.0.1", 6379)
    n.SetHook(func(_ *fakeserver.Session, args []string) (any, bool) {
        if args[0] == "EVALSHA" { return &resp.Error{Msg: "NOSCRIPT No matching script."}, true }
        return nil, false
    })
    reg := scripts.NewRegistry()
    _, _ = reg.Set("s", "return 1")
    c := startClient(t, n, func(o *Options) { o.Scripts = reg })
    _, err := c.Eval(testCtx(t), "s", nil, nil)
    assert.True(t, resp.IsNoscript(err), "got %v", err)
    assert.Equal(t, 2, n.Count("EVALSHA"))
}

func TestParseServerInfoFlatList(t *testing.T) {
    info := parseServerInfo([]any{[]byte("server"), []byte("redis"), []byte("proto"), int64(2), []byte("mode"), []byte("cluster")})
    assert.Equal(t, ServerInfo{Server: "redis", Proto: 2, Mode: "cluster"}, info)
}

func ExampleClient_Cmd() {
    n := fakeserver.NewNode("example", "127.0.0.1", 6379)
    tr := n.Transport()
    defer tr.Close()
    c, _ := New(Options{Transport: tr})
    _ = c.Start()
    defer c.Stop()
    v, err := c.Cmd(context.Background(), []any{"ECHO", "hello"}, call.UTF8Res())
    fmt.Println(v, err)
    // Output: hello <nil>
}
