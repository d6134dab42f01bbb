// Package mem provides an in-process Transport. A Listener plays the server
// role: every successful Start or reconnect hands it a fresh Conn. Handler
// events are delivered from a single goroutine per transport, in order, so
// servers may reply or hang up from inside their receive callback.
package mem

import (
    "errors"
    "io"
    "sync"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

var ErrRefused = errors.New("mem: connection refused")

// Listener accepts in-memory connections.
type Listener interface {
    Accept(c *Conn) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(c *Conn) error

func (f ListenerFunc) Accept(c *Conn) error { return f(c) }

// Conn is the server side of one physical in-memory connection.
type Conn struct {
    t      *Transport
    mu     sync.Mutex
    recv   func([]byte)
    onEnd  []func()
    closed bool
}

// OnClose registers fn to run once the connection is gone, whichever side
// closed it. fn runs immediately when the connection is already closed.
func (c *Conn) OnClose(fn func()) {
    c.mu.Lock()
    if !c.closed {
        c.onEnd = append(c.onEnd, fn)
        c.mu.Unlock()
        return
    }
    c.mu.Unlock()
    fn()
}

// shut marks the connection closed and reports whether it was open.
func (c *Conn) shut() bool {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return false
    }
    c.closed = true
    fns := c.onEnd
    c.onEnd = nil
    c.mu.Unlock()
    for _, fn := range fns { fn() }
    return true
}

// OnReceive registers the callback invoked with bytes written by the client.
func (c *Conn) OnReceive(fn func(p []byte)) {
    c.mu.Lock()
    c.recv = fn
    c.mu.Unlock()
}

// Send delivers p to the client.
func (c *Conn) Send(p []byte) error {
    c.mu.Lock()
    closed := c.closed
    c.mu.Unlock()
    if closed { return io.ErrClosedPipe }
    cp := append([]byte(nil), p...)
    c.t.emit(func(h transport.Handler) { h.OnData(cp) })
    return nil
}

// Close drops the connection from the server side.
func (c *Conn) Close() { c.t.drop(c, io.EOF) }

func (c *Conn) Endpoint() string { return c.t.addr }

func (c *Conn) deliver(p []byte) error {
    c.mu.Lock()
    fn, closed := c.recv, c.closed
    c.mu.Unlock()
    if closed { return io.ErrClosedPipe }
    if fn != nil { fn(append([]byte(nil), p...)) }
    return nil
}

// Options configures a Transport.
type Options struct {
    Addr          string
    Listener      Listener
    MinTimeout    time.Duration
    MaxTimeout    time.Duration
    MaxBufferSize int
    Group         *transport.Group
}

// Transport is an in-memory transport.Transport.
type Transport struct {
    addr     string
    lis      Listener
    min, max time.Duration
    maxBuf   int
    group    *transport.Group

    mu         sync.Mutex
    wmu        sync.Mutex
    h          transport.Handler
    conn       *Conn
    stopped    bool
    retryCount int
    retryTimer *time.Timer
    buf        [][]byte
    bufSize    int
    unref      bool

    qmu   sync.Mutex
    queue []func()
    kick  chan struct{}
    quit  chan struct{}
    once  sync.Once
}

func New(opts Options) *Transport {
    if opts.MinTimeout <= 0 { opts.MinTimeout = time.Millisecond }
    if opts.MaxTimeout <= 0 { opts.MaxTimeout = 100 * time.Millisecond }
    if opts.MaxBufferSize <= 0 { opts.MaxBufferSize = 1 << 20 }
    t := &Transport{
        addr:    opts.Addr,
        lis:     opts.Listener,
        min:     opts.MinTimeout,
        max:     opts.MaxTimeout,
        maxBuf:  opts.MaxBufferSize,
        group:   opts.Group,
        stopped: true,
        kick:    make(chan struct{}, 1),
        quit:    make(chan struct{}),
    }
    go t.loop()
    return t
}

func (t *Transport) loop() {
    for {
        select {
        case <-t.quit:
            return
        case <-t.kick:
        }
        for {
            t.qmu.Lock()
            if len(t.queue) == 0 {
                t.qmu.Unlock()
                break
            }
            fn := t.queue[0]
            t.queue = t.queue[1:]
            t.qmu.Unlock()
            fn()
        }
    }
}

func (t *Transport) post(fn func()) {
    t.qmu.Lock()
    t.queue = append(t.queue, fn)
    t.qmu.Unlock()
    select {
    case t.kick <- struct{}{}:
    default:
    }
}

func (t *Transport) emit(fn func(transport.Handler)) {
    t.post(func() {
        t.mu.Lock()
        h := t.h
        t.mu.Unlock()
        if h != nil { fn(h) }
    })
}

func (t *Transport) SetHandler(h transport.Handler) {
    t.mu.Lock()
    t.h = h
    t.mu.Unlock()
}

func (t *Transport) Endpoint() string { return t.addr }

func (t *Transport) IsConnected() bool {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.conn != nil
}

func (t *Transport) RetryCount() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.retryCount
}

func (t *Transport) Start() error {
    t.mu.Lock()
    if t.conn != nil || t.retryTimer != nil {
        t.mu.Unlock()
        return transport.ErrAlreadyStarted
    }
    t.stopped = false
    if !t.unref { t.group.Hold(t) }
    t.mu.Unlock()
    t.connect()
    return nil
}

func (t *Transport) connect() {
    c := &Conn{t: t}
    err := ErrRefused
    if t.lis != nil { err = t.lis.Accept(c) }
    t.mu.Lock()
    if t.stopped {
        t.mu.Unlock()
        c.shut()
        return
    }
    if err != nil {
        t.mu.Unlock()
        t.emit(func(h transport.Handler) { h.OnError(err) })
        t.post(t.retry)
        return
    }
    h := t.h
    t.mu.Unlock()

    var pre []byte
    if p, ok := h.(transport.Preambler); ok { pre = p.Preamble() }

    t.mu.Lock()
    if t.stopped {
        t.mu.Unlock()
        c.shut()
        if pre != nil { t.emit(func(h transport.Handler) { h.OnDisconnect(io.EOF) }) }
        return
    }
    buf := t.buf
    t.buf, t.bufSize = nil, 0
    t.conn = c
    if n := t.retryCount; n != 0 {
        time.AfterFunc(transport.Backoff(n, t.min, t.max), func() {
            t.mu.Lock()
            if t.conn == c { t.retryCount = 0 }
            t.mu.Unlock()
        })
    }
    t.wmu.Lock()
    t.mu.Unlock()
    // OnReady is queued before any reply the server sends to the preamble.
    t.emit(func(h transport.Handler) { h.OnReady() })
    if len(pre) > 0 { buf = append([][]byte{pre}, buf...) }
    for _, p := range buf {
        if err := c.deliver(p); err != nil { break }
    }
    t.wmu.Unlock()
}

func (t *Transport) retry() {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.stopped || t.retryTimer != nil || t.conn != nil { return }
    d := transport.Backoff(t.retryCount, t.min, t.max)
    t.retryCount++
    t.retryTimer = time.AfterFunc(d, func() {
        t.mu.Lock()
        t.retryTimer = nil
        skip := t.stopped || t.conn != nil
        t.mu.Unlock()
        if !skip { t.connect() }
    })
}

func (t *Transport) drop(c *Conn, err error) {
    if !c.shut() { return }
    t.mu.Lock()
    if t.conn == c { t.conn = nil }
    t.mu.Unlock()
    t.emit(func(h transport.Handler) { h.OnDisconnect(err) })
    // Reconnect is scheduled only after the disconnect event was handled.
    t.post(t.retry)
}

func (t *Transport) Write(p []byte) (bool, error) {
    t.mu.Lock()
    c := t.conn
    if c == nil {
        defer t.mu.Unlock()
        if t.bufSize+len(p) > t.maxBuf { return false, transport.ErrBufferOverflow }
        t.buf = append(t.buf, append([]byte(nil), p...))
        t.bufSize += len(p)
        return true, nil
    }
    t.wmu.Lock()
    t.mu.Unlock()
    err := c.deliver(p)
    t.wmu.Unlock()
    return false, err
}

func (t *Transport) Buffered() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.bufSize
}

func (t *Transport) Reconnect() {
    t.mu.Lock()
    c := t.conn
    t.mu.Unlock()
    if c != nil { t.drop(c, io.ErrUnexpectedEOF) }
}

func (t *Transport) Stop() error {
    t.mu.Lock()
    t.stopped = true
    if t.retryTimer != nil {
        t.retryTimer.Stop()
        t.retryTimer = nil
    }
    c := t.conn
    t.mu.Unlock()
    if c != nil { t.drop(c, io.EOF) }
    t.group.Release(t)
    return nil
}

func (t *Transport) Ref() {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.unref = false
    if !t.stopped { t.group.Hold(t) }
}

func (t *Transport) Unref() {
    t.mu.Lock()
    t.unref = true
    t.mu.Unlock()
    t.group.Release(t)
}

// Close stops the transport and its event goroutine once pending events were
// delivered. The transport cannot be restarted afterwards.
func (t *Transport) Close() error {
    err := t.Stop()
    t.post(func() { t.once.Do(func() { close(t.quit) }) })
    return err
}

var _ transport.Transport = (*Transport)(nil)
