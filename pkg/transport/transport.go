package transport

import (
    "context"
    "errors"
    "sync"
)

var (
    ErrBufferOverflow = errors.New("transport: buffer overflow")
    ErrAlreadyStarted = errors.New("transport: already started")
)

// Handler receives the events of one logical connection. Events of a single
// transport are delivered sequentially: OnReady for a physical connection is
// always followed by its OnData calls and then exactly one OnDisconnect. A
// connection that took a Preamble but failed before becoming ready still ends
// with OnDisconnect.
type Handler interface {
    OnReady()
    OnData(p []byte)
    OnError(err error)
    OnDisconnect(err error)
}

// Preambler is implemented by handlers that must put bytes on every new
// physical connection ahead of the writes buffered while disconnected, such
// as a protocol handshake. Preamble is called once per connection, before
// OnReady, and never concurrently with other handler events.
type Preambler interface {
    Preamble() []byte
}

// Transport keeps one logical byte-stream connection to an endpoint alive
// across physical reconnects. Writes issued while disconnected are buffered
// up to a bound and flushed ahead of any new write once connected again.
type Transport interface {
    Start() error
    Stop() error
    // Reconnect drops the current physical connection; the regular reconnect
    // schedule takes over.
    Reconnect()
    // Write sends p or, while disconnected, buffers it. buffered reports
    // which of the two happened.
    Write(p []byte) (buffered bool, err error)
    IsConnected() bool
    Endpoint() string
    SetHandler(h Handler)
    // Ref and Unref control whether the transport is held by its Group.
    Ref()
    Unref()
}

// Group tracks referenced transports so an embedder can wait for all of them
// to wind down before exiting.
type Group struct {
    mu   sync.Mutex
    held map[any]struct{}
    idle chan struct{}
}

func (g *Group) Hold(t any) {
    if g == nil { return }
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.held == nil { g.held = make(map[any]struct{}) }
    if len(g.held) == 0 { g.idle = make(chan struct{}) }
    g.held[t] = struct{}{}
}

func (g *Group) Release(t any) {
    if g == nil { return }
    g.mu.Lock()
    defer g.mu.Unlock()
    if _, ok := g.held[t]; !ok { return }
    delete(g.held, t)
    if len(g.held) == 0 && g.idle != nil { close(g.idle) }
}

func (g *Group) Len() int {
    if g == nil { return 0 }
    g.mu.Lock()
    defer g.mu.Unlock()
    return len(g.held)
}

// Wait blocks until no transport is held or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
    if g == nil { return nil }
    g.mu.Lock()
    if len(g.held) == 0 {
        g.mu.Unlock()
        return nil
    }
    idle := g.idle
    g.mu.Unlock()
    select {
    case <-idle:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}
