package pipeline

import (
    "context"
    "errors"
    "sort"
    "strings"
    "sync"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
)

// Message is a pub/sub delivery. Pattern is set for pattern subscriptions.
type Message struct {
    Channel []byte
    Payload []byte
    Pattern []byte
}

type subscription struct {
    fan FanOut[Message]
    ack *call.Call
}

// registry maps a channel, pattern or shard channel to its listeners. A key
// is present iff it has at least one listener. Guarded by Client.mu.
type registry struct {
    name   string
    sub    string
    unsub  string
    perKey bool
    keys   map[string]*subscription
}

func newRegistry(name, sub, unsub string, perKey bool) *registry {
    return &registry{name: name, sub: sub, unsub: unsub, perKey: perKey, keys: make(map[string]*subscription)}
}

func (r *registry) sorted() []string {
    keys := make([]string, 0, len(r.keys))
    for k := range r.keys { keys = append(keys, k) }
    sort.Strings(keys)
    return keys
}

func (c *Client) subscribe(r *registry, key string, fn func(Message)) (func(), *call.Call) {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        cl := call.New([]any{r.sub, key})
        cl.Reject(ErrClosed)
        return func() {}, cl
    }
    s, ok := r.keys[key]
    switch {
    case !ok:
        s = &subscription{}
        r.keys[key] = s
        c.subscribeLocked(r, key, s)
        obsmetrics.Subscriptions.WithLabelValues(r.name).Inc()
    case lostAck(s.ack):
        // The first SUBSCRIBE went down with its connection.
        c.subscribeLocked(r, key, s)
    }
    unlisten := s.fan.Listen(fn)
    ack := s.ack
    c.mu.Unlock()
    c.signal()

    var once sync.Once
    return func() { once.Do(func() { c.unsubscribe(r, key, s, unlisten) }) }, ack
}

func (c *Client) subscribeLocked(r *registry, key string, s *subscription) {
    s.ack = call.New([]any{r.sub, key})
    s.ack.Acks = 1
    s.ack.Endpoint = c.Endpoint()
    c.enqueueLocked(newEntry(s.ack, s.ack.Commands()), false)
}

func lostAck(cl *call.Call) bool {
    if !cl.Settled() { return false }
    _, err := cl.Result()
    return errors.Is(err, ErrConnectionLost)
}

func (c *Client) unsubscribe(r *registry, key string, s *subscription, unlisten func()) {
    unlisten()
    c.mu.Lock()
    if s.fan.Len() > 0 || r.keys[key] != s {
        c.mu.Unlock()
        return
    }
    delete(r.keys, key)
    obsmetrics.Subscriptions.WithLabelValues(r.name).Dec()
    if c.closed {
        c.mu.Unlock()
        return
    }
    cl := call.New([]any{r.unsub, key}, call.NoRes())
    cl.Acks = 1
    c.enqueueLocked(newEntry(cl, cl.Commands()), false)
    c.mu.Unlock()
    c.signal()
}

// resubscribeLocked restores every registry on a fresh connection. Shard
// channels are resubscribed one by one since they may live in different
// slots of the same node.
func (c *Client) resubscribeLocked() []*entry {
    var out []*entry
    for _, r := range []*registry{c.subs, c.psubs, c.ssubs} {
        if len(r.keys) == 0 { continue }
        keys := r.sorted()
        groups := [][]string{keys}
        if r.perKey {
            groups = groups[:0]
            for _, k := range keys { groups = append(groups, []string{k}) }
        }
        for _, g := range groups {
            args := make([]any, 0, len(g)+1)
            args = append(args, r.sub)
            for _, k := range g { args = append(args, k) }
            name := r.name
            out = append(out, &entry{
                cmds:    [][]any{args},
                acks:    len(g),
                ackKind: strings.ToLower(r.sub),
                fn: func(_ any, err error) {
                    if err != nil && !isTeardown(err) {
                        logutil.Warnf(c.log, "pipeline: resubscribe %s on %s failed: %v", name, c.Endpoint(), err)
                    }
                },
            })
        }
    }
    return out
}

func (c *Client) deliver(r *registry, key string, m Message) {
    c.mu.Lock()
    s := r.keys[key]
    c.mu.Unlock()
    if s != nil { s.fan.Emit(m) }
}

// Subscribe adds a listener for channel. The SUBSCRIBE command is only sent
// for the first listener; subscribed settles once the server acknowledged it.
func (c *Client) Subscribe(channel string, fn func(Message)) (unsubscribe func(), subscribed *call.Call) {
    return c.subscribe(c.subs, channel, fn)
}

func (c *Client) PSubscribe(pattern string, fn func(Message)) (unsubscribe func(), subscribed *call.Call) {
    return c.subscribe(c.psubs, pattern, fn)
}

func (c *Client) SSubscribe(channel string, fn func(Message)) (unsubscribe func(), subscribed *call.Call) {
    return c.subscribe(c.ssubs, channel, fn)
}

func (c *Client) Sub(channel string, fn func(Message)) func() {
    unsub, _ := c.Subscribe(channel, fn)
    return unsub
}

func (c *Client) PSub(pattern string, fn func(Message)) func() {
    unsub, _ := c.PSubscribe(pattern, fn)
    return unsub
}

func (c *Client) SSub(channel string, fn func(Message)) func() {
    unsub, _ := c.SSubscribe(channel, fn)
    return unsub
}

// Publish returns the number of receivers reported by the server.
func (c *Client) Publish(ctx context.Context, channel string, payload any) (int64, error) {
    return c.publish(ctx, "PUBLISH", channel, payload)
}

func (c *Client) SPublish(ctx context.Context, channel string, payload any) (int64, error) {
    return c.publish(ctx, "SPUBLISH", channel, payload)
}

func (c *Client) publish(ctx context.Context, cmd, channel string, payload any) (int64, error) {
    v, err := c.Cmd(ctx, []any{cmd, channel, payload})
    if err != nil { return 0, err }
    n, _ := resp.AsInt(v)
    return n, nil
}

func (c *Client) Pub(channel string, payload any) error {
    return c.CmdFnF([]any{"PUBLISH", channel, payload})
}

func (c *Client) SPub(channel string, payload any) error {
    return c.CmdFnF([]any{"SPUBLISH", channel, payload})
}

// Subscriptions lists the active channels, patterns and shard channels.
func (c *Client) Subscriptions() (channels, patterns, shards []string) {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.subs.sorted(), c.psubs.sorted(), c.ssubs.sorted()
}
