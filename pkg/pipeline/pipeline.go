// Package pipeline implements the per-connection client. Calls are batched
// into single transport writes, replies settle calls strictly in the order
// they were written and push frames are routed to pub/sub listeners.
package pipeline

import (
    "context"
    "errors"
    "fmt"
    "io"
    "log"
    "strings"
    "sync"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

var (
    ErrNoTransport         = errors.New("pipeline: transport is required")
    ErrClosed              = errors.New("pipeline: closed")
    ErrConnectionLost      = errors.New("pipeline: connection lost")
    ErrUnexpectedReply     = errors.New("pipeline: reply without pending call")
    ErrScriptNotRegistered = errors.New("pipeline: script not registered")
)

// Options configures a Client.
type Options struct {
    Transport transport.Transport
    // User and Password are sent with HELLO. User defaults to "default" when
    // only a password is set.
    User     string
    Password string
    // Init commands run after every handshake, ahead of user calls.
    Init    [][]any
    Scripts *scripts.Registry

    NewEncoder func() resp.CommandEncoder
    NewDecoder func() resp.ReplyDecoder
    Logger     *log.Logger
}

func (o Options) Validate() error {
    if o.Transport == nil { return ErrNoTransport }
    for _, cmd := range o.Init {
        if len(cmd) == 0 { return fmt.Errorf("pipeline: init: %w", call.ErrEmptyCommand) }
    }
    return nil
}

// ServerInfo is the identity a server reports in its HELLO reply.
type ServerInfo struct {
    Server  string
    Version string
    Proto   int64
    ID      int64
    Mode    string
    Role    string
}

func parseServerInfo(v any) ServerInfo {
    var info ServerInfo
    set := func(k string, val any) {
        switch k {
        case "server":
            info.Server, _ = resp.AsString(val)
        case "version":
            info.Version, _ = resp.AsString(val)
        case "proto":
            info.Proto, _ = resp.AsInt(val)
        case "id":
            info.ID, _ = resp.AsInt(val)
        case "mode":
            info.Mode, _ = resp.AsString(val)
        case "role":
            info.Role, _ = resp.AsString(val)
        }
    }
    switch m := v.(type) {
    case map[string]any:
        for k, val := range m { set(k, val) }
    case []any:
        for i := 0; i+1 < len(m); i += 2 {
            k, _ := resp.AsString(m[i])
            set(k, m[i+1])
        }
    }
    return info
}

// entry is one slot of the correlation queue. A nil c means the reply is read
// and dropped.
type entry struct {
    c        *call.Call
    fn       func(v any, err error)
    cmds     [][]any
    utf8     bool
    utf8Res  bool
    replies  int
    acks     int
    ackKind  string
    last     any
    err      error
    buffered bool
    boot     bool
}

// isTeardown reports errors caused by losing or closing the connection
// rather than by the server.
func isTeardown(err error) bool {
    return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrClosed)
}

func newEntry(cl *call.Call, cmds [][]any) *entry {
    e := &entry{cmds: cmds, utf8: cl.UTF8, utf8Res: cl.UTF8Res, replies: len(cmds)}
    if cl.Acks > 0 {
        name, _ := cl.Name()
        e.replies, e.acks, e.ackKind = 0, cl.Acks, strings.ToLower(name)
    }
    if !cl.NoRes {
        e.c = cl
        obsmetrics.PipelineInFlight.Inc()
    }
    return e
}

func (e *entry) settle(v any, err error) {
    if e.c != nil {
        obsmetrics.PipelineInFlight.Dec()
        if err != nil {
            obsmetrics.PipelineCalls.WithLabelValues("error").Inc()
            e.c.Reject(err)
        } else {
            obsmetrics.PipelineCalls.WithLabelValues("ok").Inc()
            e.c.Resolve(v)
        }
    }
    if e.fn != nil { e.fn(v, err) }
}

// Client is a pipelined connection to a single server.
type Client struct {
    opts Options
    t    transport.Transport
    log  *log.Logger

    readMu sync.Mutex
    dec    resp.ReplyDecoder
    desync bool

    wmu sync.Mutex
    enc resp.CommandEncoder

    mu        sync.Mutex
    queue     []*entry // written entries first, queue[sent:] not yet written
    sent      int
    parked    []*entry // user calls waiting for the first handshake
    live      bool
    ready     bool
    handshook bool
    started   bool
    closed    bool
    info      ServerInfo
    subs      *registry
    psubs     *registry
    ssubs     *registry

    readyCh   chan struct{}
    readyOnce sync.Once
    readyErr  error

    kick chan struct{}
    quit chan struct{}

    OnReady FanOut[ServerInfo]
    OnError FanOut[error]
    OnPush  FanOut[*resp.Push]
}

func New(opts Options) (*Client, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.NewEncoder == nil { opts.NewEncoder = func() resp.CommandEncoder { return resp.NewEncoder() } }
    if opts.NewDecoder == nil { opts.NewDecoder = func() resp.ReplyDecoder { return resp.NewDecoder() } }
    c := &Client{
        opts:    opts,
        t:       opts.Transport,
        log:     opts.Logger,
        dec:     opts.NewDecoder(),
        enc:     opts.NewEncoder(),
        subs:    newRegistry("channel", "SUBSCRIBE", "UNSUBSCRIBE", false),
        psubs:   newRegistry("pattern", "PSUBSCRIBE", "PUNSUBSCRIBE", false),
        ssubs:   newRegistry("shard", "SSUBSCRIBE", "SUNSUBSCRIBE", true),
        readyCh: make(chan struct{}),
        kick:    make(chan struct{}, 1),
        quit:    make(chan struct{}),
    }
    c.t.SetHandler(handler{c})
    return c, nil
}

func (c *Client) Endpoint() string  { return c.t.Endpoint() }
func (c *Client) IsConnected() bool { return c.t.IsConnected() }

// IsReady reports whether the handshake on the current connection completed.
func (c *Client) IsReady() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.ready
}

// Info returns the identity reported by the last successful handshake.
func (c *Client) Info() ServerInfo {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.info
}

// Transport exposes the underlying transport, e.g. for Ref/Unref.
func (c *Client) Transport() transport.Transport { return c.t }

func (c *Client) Start() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return ErrClosed
    }
    if c.started {
        c.mu.Unlock()
        return transport.ErrAlreadyStarted
    }
    c.started = true
    c.mu.Unlock()
    go c.writeLoop()
    return c.t.Start()
}

// Stop closes the connection for good, closing the transport when it is an
// io.Closer. Pending calls fail with ErrClosed.
func (c *Client) Stop() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    c.live, c.ready = false, false
    pending := append(c.queue, c.parked...)
    c.queue, c.parked, c.sent = nil, nil, 0
    c.mu.Unlock()

    var err error
    if cl, ok := c.t.(io.Closer); ok {
        err = cl.Close()
    } else {
        err = c.t.Stop()
    }
    close(c.quit)
    for _, e := range pending { e.settle(nil, ErrClosed) }
    c.readyOnce.Do(func() {
        c.readyErr = ErrClosed
        close(c.readyCh)
    })
    return err
}

// WhenReady blocks until the first handshake settled and returns its error.
func (c *Client) WhenReady(ctx context.Context) error {
    select {
    case <-c.readyCh:
        return c.readyErr
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Call enqueues cl and waits for its reply. NoRes calls return immediately.
func (c *Client) Call(ctx context.Context, cl *call.Call) (any, error) {
    return c.do(ctx, cl, cl.Commands())
}

// Send enqueues cl without waiting for it; the result is read from cl.
func (c *Client) Send(cl *call.Call) *call.Call {
    if err := cl.Validate(); err != nil {
        cl.Reject(err)
        return cl
    }
    c.submit(cl, cl.Commands())
    return cl
}

// CallAsking sends ASKING immediately ahead of cl's commands, as one unit.
func (c *Client) CallAsking(ctx context.Context, cl *call.Call) (any, error) {
    cmds := append([][]any{{"ASKING"}}, cl.Commands()...)
    return c.do(ctx, cl, cmds)
}

func (c *Client) Cmd(ctx context.Context, args []any, opts ...call.Option) (any, error) {
    return c.Call(ctx, call.New(args, opts...))
}

func (c *Client) CmdMulti(ctx context.Context, cmds [][]any, opts ...call.Option) (any, error) {
    return c.Call(ctx, call.NewMulti(cmds, opts...))
}

// CmdFnF sends a command whose reply is discarded.
func (c *Client) CmdFnF(args []any, opts ...call.Option) error {
    cl := call.New(args, append(opts, call.NoRes())...)
    if err := cl.Validate(); err != nil { return err }
    c.submit(cl, cl.Commands())
    return nil
}

func (c *Client) do(ctx context.Context, cl *call.Call, cmds [][]any) (any, error) {
    if err := cl.Validate(); err != nil { return nil, err }
    name, _ := cl.Name()
    ctx, end := tracing.StartSpan(ctx, "pipeline.call",
        attribute.String("db.operation", name),
        attribute.String("server.address", c.Endpoint()))
    defer end()
    c.submit(cl, cmds)
    if cl.NoRes { return nil, nil }
    v, err := cl.Wait(ctx)
    if err != nil { tracing.RecordError(ctx, err) }
    return v, err
}

func (c *Client) submit(cl *call.Call, cmds [][]any) {
    cl.Endpoint = c.Endpoint()
    e := newEntry(cl, cmds)
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        e.settle(nil, ErrClosed)
        if cl.NoRes { cl.Reject(ErrClosed) }
        return
    }
    c.enqueueLocked(e, cl.ASAP)
    c.mu.Unlock()
    if cl.NoRes { cl.Resolve(nil) }
    c.signal()
}

func (c *Client) enqueueLocked(e *entry, asap bool) {
    switch {
    case asap:
        c.insertLocked(c.sent, e)
    case !c.handshook:
        c.parked = append(c.parked, e)
    default:
        c.queue = append(c.queue, e)
    }
}

func (c *Client) insertLocked(i int, es ...*entry) {
    tail := append(append([]*entry(nil), es...), c.queue[i:]...)
    c.queue = append(c.queue[:i], tail...)
}

func (c *Client) removeLocked(e *entry) bool {
    for i, q := range c.queue {
        if q != e { continue }
        c.queue = append(c.queue[:i], c.queue[i+1:]...)
        if i < c.sent { c.sent-- }
        return true
    }
    return false
}

func (c *Client) popLocked() {
    c.queue[0] = nil
    c.queue = c.queue[1:]
    c.sent--
}

func (c *Client) signal() {
    select {
    case c.kick <- struct{}{}:
    default:
    }
}

func (c *Client) writeLoop() {
    for {
        select {
        case <-c.quit:
            return
        case <-c.kick:
        }
        c.flush()
    }
}

type encodeFailure struct {
    e   *entry
    err error
}

// flush writes every unwritten entry as one transport write. Entries that
// cannot be encoded are dropped from the batch before anything is written.
func (c *Client) flush() {
    c.wmu.Lock()
    c.mu.Lock()
    if !c.live || c.sent >= len(c.queue) {
        c.mu.Unlock()
        c.wmu.Unlock()
        return
    }
    batch := append([]*entry(nil), c.queue[c.sent:]...)
    c.sent = len(c.queue)
    c.mu.Unlock()

    var failed []encodeFailure
    written := batch[:0:0]
    for _, e := range batch {
        mark := c.enc.Len()
        var err error
        for _, cmd := range e.cmds {
            if err = c.enc.WriteCmd(cmd, e.utf8); err != nil { break }
        }
        if err != nil {
            c.enc.Truncate(mark)
            failed = append(failed, encodeFailure{e, err})
            continue
        }
        written = append(written, e)
    }
    var overflow error
    if buf := c.enc.Flush(); len(buf) > 0 {
        obsmetrics.PipelineFlushes.Inc()
        buffered, err := c.t.Write(buf)
        if errors.Is(err, transport.ErrBufferOverflow) {
            overflow = err
        } else if buffered {
            c.mu.Lock()
            for _, e := range written { e.buffered = true }
            c.mu.Unlock()
        }
    }
    c.mu.Lock()
    for _, f := range failed { c.removeLocked(f.e) }
    if overflow != nil {
        for _, e := range written { c.removeLocked(e) }
    }
    c.mu.Unlock()
    c.wmu.Unlock()

    if overflow != nil {
        for _, e := range written { e.settle(nil, overflow) }
    }
    if len(failed) == 0 { return }
    for _, f := range failed { f.e.settle(nil, f.err) }
    obsmetrics.PipelineProtocolErrors.WithLabelValues("write").Inc()
    err := fmt.Errorf("pipeline: encode for %s: %w", c.Endpoint(), failed[0].err)
    logutil.Warnf(c.log, "%v", err)
    c.OnError.Emit(err)
    c.t.Reconnect()
}

// handler adapts the client to transport.Handler without exporting the
// callbacks on Client itself.
type handler struct{ c *Client }

var _ transport.Preambler = handler{}

func (h handler) Preamble() []byte       { return h.c.preamble() }
func (h handler) OnReady()               { h.c.onReady() }
func (h handler) OnData(p []byte)        { h.c.onData(p) }
func (h handler) OnDisconnect(err error) { h.c.onDisconnect(err) }
func (h handler) OnError(err error) {
    logutil.Debugf(h.c.log, "pipeline: transport %s: %v", h.c.Endpoint(), err)
    h.c.OnError.Emit(err)
}

func (c *Client) helloArgs() []any {
    args := []any{"HELLO", 3}
    if c.opts.Password != "" {
        user := c.opts.User
        if user == "" { user = "default" }
        args = append(args, "AUTH", user, c.opts.Password)
    }
    return args
}

// preamble queues HELLO, the init commands and, after the first handshake,
// the resubscriptions of a new connection and returns them encoded. The
// transport writes them before the bytes it buffered while offline, so they
// sit at the head of the queue.
func (c *Client) preamble() []byte {
    c.wmu.Lock()
    defer c.wmu.Unlock()
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.ready = false
    boot := []*entry{{cmds: [][]any{c.helloArgs()}, replies: 1, fn: c.handshakeDone}}
    for _, cmd := range c.opts.Init {
        name := fmt.Sprint(cmd[0])
        boot = append(boot, &entry{cmds: [][]any{cmd}, replies: 1, fn: func(_ any, err error) {
            if err != nil && !isTeardown(err) {
                logutil.Warnf(c.log, "pipeline: %s on %s failed: %v", name, c.Endpoint(), err)
            }
        }})
    }
    if c.handshook { boot = append(boot, c.resubscribeLocked()...) }

    var failed []encodeFailure
    written := boot[:0:0]
    for _, e := range boot {
        e.boot = true
        mark := c.enc.Len()
        var err error
        for _, cmd := range e.cmds {
            if err = c.enc.WriteCmd(cmd, false); err != nil { break }
        }
        if err != nil {
            c.enc.Truncate(mark)
            failed = append(failed, encodeFailure{e, err})
            continue
        }
        written = append(written, e)
    }
    c.insertLocked(0, written...)
    c.sent += len(written)
    c.mu.Unlock()

    for _, f := range failed {
        logutil.Warnf(c.log, "pipeline: encode %v for %s: %v", f.e.cmds[0][0], c.Endpoint(), f.err)
        f.e.settle(nil, f.err)
    }
    logutil.Debugf(c.log, "pipeline: %s connected, handshaking", c.Endpoint())
    return c.enc.Flush()
}

func (c *Client) onReady() {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return
    }
    // The transport flushed its offline buffer right behind the preamble.
    for _, e := range c.queue[:c.sent] { e.buffered = false }
    c.live = true
    c.mu.Unlock()
    c.signal()
}

func (c *Client) handshakeDone(v any, err error) {
    if isTeardown(err) { return }
    info := parseServerInfo(v)
    c.mu.Lock()
    first := !c.handshook
    c.handshook, c.ready = true, true
    if err == nil { c.info = info }
    parked := c.parked
    c.parked = nil
    if err == nil || !first {
        c.queue = append(c.queue, parked...)
        parked = nil
    }
    c.mu.Unlock()

    for _, e := range parked { e.settle(nil, err) }
    c.readyOnce.Do(func() {
        c.readyErr = err
        close(c.readyCh)
    })
    if err != nil {
        err = fmt.Errorf("pipeline: handshake with %s: %w", c.Endpoint(), err)
        logutil.Warnf(c.log, "%v", err)
        c.OnError.Emit(err)
    } else {
        logutil.Debugf(c.log, "pipeline: %s ready (%s %s, mode %s)", c.Endpoint(), info.Server, info.Version, info.Mode)
        c.OnReady.Emit(info)
    }
    c.signal()
}

func (c *Client) onDisconnect(cause error) {
    c.readMu.Lock()
    c.dec.Reset()
    c.desync = false
    c.readMu.Unlock()

    c.wmu.Lock()
    c.mu.Lock()
    c.live, c.ready = false, false
    var lost []*entry
    kept := make([]*entry, 0, len(c.queue))
    sent := 0
    for i, e := range c.queue {
        if e.boot && i >= c.sent {
            // Never written; the next connection brings its own.
            continue
        }
        if i < c.sent {
            if !e.buffered {
                lost = append(lost, e)
                continue
            }
            sent++
        }
        kept = append(kept, e)
    }
    c.queue, c.sent = kept, sent
    closed := c.closed
    c.mu.Unlock()
    c.wmu.Unlock()

    if !closed && len(lost) > 0 {
        logutil.Infof(c.log, "pipeline: %s disconnected, failing %d in-flight calls", c.Endpoint(), len(lost))
    }
    err := ErrConnectionLost
    if cause != nil { err = fmt.Errorf("%w: %v", ErrConnectionLost, cause) }
    for _, e := range lost { e.settle(nil, err) }
}

func (c *Client) onData(p []byte) {
    c.readMu.Lock()
    defer c.readMu.Unlock()
    if c.desync { return }
    c.dec.Push(p)
    for {
        c.mu.Lock()
        c.dec.SetUTF8(c.sent > 0 && c.queue[0].utf8Res)
        c.mu.Unlock()
        v, ok, err := c.dec.Read()
        if err != nil {
            c.protocolError(err)
            return
        }
        if !ok { return }
        if push, isPush := v.(*resp.Push); isPush {
            c.handlePush(push)
            continue
        }
        if err := c.handleReply(v); err != nil {
            c.protocolError(err)
            return
        }
    }
}

// protocolError gives up on the stream; the reconnect fails what was written.
func (c *Client) protocolError(err error) {
    c.dec.Reset()
    c.desync = true
    obsmetrics.PipelineProtocolErrors.WithLabelValues("read").Inc()
    err = fmt.Errorf("pipeline: decode from %s: %w", c.Endpoint(), err)
    logutil.Warnf(c.log, "%v", err)
    c.OnError.Emit(err)
    c.t.Reconnect()
}

func (c *Client) handleReply(v any) error {
    c.mu.Lock()
    if c.sent == 0 {
        c.mu.Unlock()
        return ErrUnexpectedReply
    }
    e := c.queue[0]
    rerr, isErr := v.(*resp.Error)
    if e.replies > 0 { e.replies-- } else { e.acks = 0 }
    if isErr {
        if e.err == nil { e.err = rerr }
    } else {
        e.last = v
    }
    done := e.replies == 0 && e.acks == 0
    if done { c.popLocked() }
    c.mu.Unlock()
    if done { e.settle(e.last, e.err) }
    return nil
}

func (c *Client) handlePush(p *resp.Push) {
    obsmetrics.PipelinePushes.WithLabelValues(p.Kind).Inc()
    switch p.Kind {
    case "message":
        c.deliver(c.subs, string(p.Field(1)), Message{Channel: p.Field(1), Payload: p.Field(2)})
    case "pmessage":
        c.deliver(c.psubs, string(p.Field(1)), Message{Pattern: p.Field(1), Channel: p.Field(2), Payload: p.Field(3)})
    case "smessage":
        c.deliver(c.ssubs, string(p.Field(1)), Message{Channel: p.Field(1), Payload: p.Field(2)})
    case "subscribe", "psubscribe", "ssubscribe", "unsubscribe", "punsubscribe", "sunsubscribe":
        c.ack(p)
    }
    c.OnPush.Emit(p)
}

// ack settles the head entry when it waits for acknowledgements of this kind.
// Anything else, like a server-side sunsubscribe after a slot moved, is only
// reported through OnPush.
func (c *Client) ack(p *resp.Push) {
    c.mu.Lock()
    if c.sent == 0 || c.queue[0].acks == 0 || c.queue[0].ackKind != p.Kind {
        c.mu.Unlock()
        return
    }
    e := c.queue[0]
    e.acks--
    if len(p.Data) > 2 { e.last = p.Data[2] }
    done := e.acks == 0 && e.replies == 0
    if done { c.popLocked() }
    c.mu.Unlock()
    if done { e.settle(e.last, e.err) }
}
