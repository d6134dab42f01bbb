// Package tcp implements the reconnecting TCP/TLS transport.
package tcp

import (
    "context"
    "crypto/tls"
    "errors"
    "io"
    "log"
    "net"
    "sync"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

const (
    DefaultMinTimeout        = time.Second
    DefaultMaxTimeout        = 3 * time.Minute
    DefaultConnectionTimeout = 10 * time.Second
    DefaultMaxBufferSize     = 1 << 20
)

type State int

const (
    Disconnected State = iota
    Connecting
    Connected
)

func (s State) String() string {
    switch s {
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    }
    return "disconnected"
}

// Options configures a Transport. Zero values select the defaults above.
type Options struct {
    // Addr is the host:port to dial.
    Addr string
    // TLS enables TLS on the connection when non-nil.
    TLS *tls.Config
    // Dial overrides how connections are opened.
    Dial func(ctx context.Context, network, addr string) (net.Conn, error)

    MinTimeout        time.Duration
    MaxTimeout        time.Duration
    ConnectionTimeout time.Duration
    MaxBufferSize     int

    // Group, when set, holds the transport while it is referenced and running.
    Group  *transport.Group
    Logger *log.Logger
}

// Transport is a self-healing connection to a single endpoint.
type Transport struct {
    opts Options

    mu         sync.Mutex
    wmu        sync.Mutex // serializes writes on the live conn
    h          transport.Handler
    conn       net.Conn
    state      State
    gen        uint64
    stopped    bool
    retryCount int
    retryTimer *time.Timer
    resetTimer *time.Timer
    buf        [][]byte
    bufSize    int
    unref      bool
}

// New returns a stopped transport; call Start to begin connecting.
func New(opts Options) *Transport {
    if opts.MinTimeout <= 0 { opts.MinTimeout = DefaultMinTimeout }
    if opts.MaxTimeout <= 0 { opts.MaxTimeout = DefaultMaxTimeout }
    if opts.MaxTimeout < opts.MinTimeout { opts.MaxTimeout = opts.MinTimeout }
    if opts.ConnectionTimeout <= 0 { opts.ConnectionTimeout = DefaultConnectionTimeout }
    if opts.MaxBufferSize <= 0 { opts.MaxBufferSize = DefaultMaxBufferSize }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Transport{opts: opts, stopped: true}
}

func (t *Transport) SetHandler(h transport.Handler) {
    t.mu.Lock()
    t.h = h
    t.mu.Unlock()
}

func (t *Transport) Endpoint() string { return t.opts.Addr }

func (t *Transport) IsConnected() bool {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.conn != nil
}

func (t *Transport) State() State {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.state
}

// RetryCount is the number of consecutive failed or dropped attempts.
func (t *Transport) RetryCount() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.retryCount
}

func (t *Transport) Start() error {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.state != Disconnected || t.retryTimer != nil { return transport.ErrAlreadyStarted }
    t.stopped = false
    if !t.unref { t.opts.Group.Hold(t) }
    t.connectLocked()
    return nil
}

func (t *Transport) connectLocked() {
    t.state = Connecting
    t.gen++
    go t.run(t.gen)
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
    if t.opts.Dial != nil {
        conn, err := t.opts.Dial(ctx, "tcp", t.opts.Addr)
        if err != nil || t.opts.TLS == nil { return conn, err }
        tc := tls.Client(conn, t.opts.TLS)
        if err := tc.HandshakeContext(ctx); err != nil {
            _ = conn.Close()
            return nil, err
        }
        return tc, nil
    }
    if t.opts.TLS != nil {
        d := &tls.Dialer{Config: t.opts.TLS}
        return d.DialContext(ctx, "tcp", t.opts.Addr)
    }
    var d net.Dialer
    return d.DialContext(ctx, "tcp", t.opts.Addr)
}

func (t *Transport) run(gen uint64) {
    // The connection timeout bounds the dial and TLS handshake; expiry is
    // handled like any other connect error.
    ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectionTimeout)
    conn, err := t.dial(ctx)
    cancel()
    if err != nil {
        obsmetrics.TransportDials.WithLabelValues("error").Inc()
        t.failed(gen, err)
        return
    }
    if tc, ok := conn.(*net.TCPConn); ok { _ = tc.SetNoDelay(true) }

    t.mu.Lock()
    if t.stopped || gen != t.gen {
        t.mu.Unlock()
        _ = conn.Close()
        return
    }
    h := t.h
    t.mu.Unlock()

    var pre []byte
    if p, ok := h.(transport.Preambler); ok { pre = p.Preamble() }

    t.mu.Lock()
    if t.stopped || gen != t.gen {
        t.mu.Unlock()
        if pre != nil {
            t.closed(gen, conn, io.EOF)
            return
        }
        _ = conn.Close()
        return
    }
    if t.retryCount != 0 {
        hold := transport.Backoff(t.retryCount, t.opts.MinTimeout, t.opts.MaxTimeout)
        t.resetTimer = time.AfterFunc(hold, func() {
            t.mu.Lock()
            if t.gen == gen && t.conn != nil { t.retryCount = 0 }
            t.mu.Unlock()
        })
    }
    if err := t.drainLocked(conn, pre); err != nil {
        t.mu.Unlock()
        obsmetrics.TransportDials.WithLabelValues("error").Inc()
        if pre != nil {
            t.closed(gen, conn, err)
            return
        }
        _ = conn.Close()
        t.failed(gen, err)
        return
    }
    t.conn = conn
    t.state = Connected
    t.mu.Unlock()

    obsmetrics.TransportDials.WithLabelValues("ok").Inc()
    obsmetrics.TransportConnected.Inc()
    logutil.Debugf(t.opts.Logger, "transport: connected to %s", t.opts.Addr)
    if h != nil { h.OnReady() }
    err = t.readLoop(conn, h)
    obsmetrics.TransportConnected.Dec()
    t.closed(gen, conn, err)
}

// drainLocked writes the handler preamble and then the offline buffer. The
// buffer is kept intact when a write fails.
func (t *Transport) drainLocked(conn net.Conn, pre []byte) error {
    if len(pre) == 0 && len(t.buf) == 0 { return nil }
    t.wmu.Lock()
    defer t.wmu.Unlock()
    if len(pre) > 0 {
        if _, err := conn.Write(pre); err != nil { return err }
    }
    if len(t.buf) == 0 { return nil }
    for _, p := range t.buf {
        if _, err := conn.Write(p); err != nil { return err }
    }
    obsmetrics.TransportBufferedBytes.Sub(float64(t.bufSize))
    t.buf, t.bufSize = nil, 0
    return nil
}

func (t *Transport) readLoop(conn net.Conn, h transport.Handler) error {
    buf := make([]byte, 32*1024)
    for {
        n, err := conn.Read(buf)
        if n > 0 && h != nil {
            p := make([]byte, n)
            copy(p, buf[:n])
            h.OnData(p)
        }
        if err != nil { return err }
    }
}

func (t *Transport) failed(gen uint64, err error) {
    t.mu.Lock()
    if gen != t.gen {
        t.mu.Unlock()
        return
    }
    t.state = Disconnected
    stopped := t.stopped
    h := t.h
    t.mu.Unlock()
    if !stopped {
        logutil.Warnf(t.opts.Logger, "transport: connect to %s failed: %v", t.opts.Addr, err)
        if h != nil { h.OnError(err) }
    }
    t.retry(gen)
}

func (t *Transport) closed(gen uint64, conn net.Conn, err error) {
    _ = conn.Close()
    t.mu.Lock()
    if t.conn == conn { t.conn = nil }
    if t.resetTimer != nil {
        t.resetTimer.Stop()
        t.resetTimer = nil
    }
    if gen == t.gen { t.state = Disconnected }
    stopped := t.stopped
    h := t.h
    t.mu.Unlock()
    if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) { err = io.EOF }
    if !stopped { logutil.Infof(t.opts.Logger, "transport: connection to %s lost: %v", t.opts.Addr, err) }
    if h != nil { h.OnDisconnect(err) }
    t.retry(gen)
}

func (t *Transport) retry(gen uint64) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.stopped {
        t.opts.Group.Release(t)
        return
    }
    if gen != t.gen || t.retryTimer != nil || t.state != Disconnected { return }
    d := transport.Backoff(t.retryCount, t.opts.MinTimeout, t.opts.MaxTimeout)
    t.retryCount++
    obsmetrics.TransportReconnects.Inc()
    logutil.Debugf(t.opts.Logger, "transport: reconnecting to %s in %s (attempt %d)", t.opts.Addr, d, t.retryCount)
    t.retryTimer = time.AfterFunc(d, func() {
        t.mu.Lock()
        defer t.mu.Unlock()
        t.retryTimer = nil
        if t.stopped || t.state != Disconnected { return }
        t.connectLocked()
    })
}

// Write sends p on the live connection or buffers it while disconnected.
func (t *Transport) Write(p []byte) (bool, error) {
    t.mu.Lock()
    conn := t.conn
    if conn == nil {
        defer t.mu.Unlock()
        if t.bufSize+len(p) > t.opts.MaxBufferSize {
            obsmetrics.TransportBufferOverflows.Inc()
            return false, transport.ErrBufferOverflow
        }
        t.buf = append(t.buf, p)
        t.bufSize += len(p)
        obsmetrics.TransportBufferedBytes.Add(float64(len(p)))
        return true, nil
    }
    t.wmu.Lock()
    t.mu.Unlock()
    _, err := conn.Write(p)
    t.wmu.Unlock()
    if err != nil {
        _ = conn.Close()
        return false, err
    }
    return false, nil
}

// Buffered returns the number of bytes waiting for a connection.
func (t *Transport) Buffered() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.bufSize
}

func (t *Transport) Reconnect() {
    t.mu.Lock()
    conn := t.conn
    t.mu.Unlock()
    if conn != nil { _ = conn.Close() }
}

// Stop closes the connection and cancels pending reconnects. Buffered bytes
// are kept and flushed if the transport is started again.
func (t *Transport) Stop() error {
    t.mu.Lock()
    t.stopped = true
    t.gen++
    if t.retryTimer != nil {
        t.retryTimer.Stop()
        t.retryTimer = nil
    }
    if t.resetTimer != nil {
        t.resetTimer.Stop()
        t.resetTimer = nil
    }
    conn := t.conn
    t.conn = nil
    t.state = Disconnected
    t.mu.Unlock()
    if conn != nil { _ = conn.Close() }
    t.opts.Group.Release(t)
    return nil
}

func (t *Transport) Ref() {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.unref = false
    if !t.stopped { t.opts.Group.Hold(t) }
}

func (t *Transport) Unref() {
    t.mu.Lock()
    t.unref = true
    t.mu.Unlock()
    t.opts.Group.Release(t)
}

var _ transport.Transport = (*Transport)(nil)
