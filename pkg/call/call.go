// Package call defines the unit of work exchanged between the cluster layer and
// the per-connection pipelines: one command (or an atomic batch of commands),
// its encoding flags, redirect/retry bookkeeping and a result that settles
// exactly once.
package call

import (
    "context"
    "errors"
    "sync"
)

const (
    DefaultMaxRedirects = 4
    DefaultMaxRetries   = 4
)

var ErrEmptyCommand = errors.New("call: empty command")

// Call is a single logical request. Flags and counters are plain fields and
// must not be changed once the call was handed to a pipeline; use Clone,
// WithRedirect or WithRetry to derive a follow-up attempt.
type Call struct {
    // Args is the command and its arguments. Multi, when set, is an atomic
    // batch written back-to-back; each command produces its own reply. The
    // call settles with the last reply, or with the first error reply if any.
    Args  []any
    Multi [][]any

    UTF8    bool // validate string arguments as UTF-8
    UTF8Res bool // decode bulk replies as string instead of []byte
    NoRes   bool // fire-and-forget, the reply is read and dropped
    ASAP    bool // jump ahead of queued calls

    Key     string // explicit routing key
    Replica bool   // read may be served by a replica

    Redirects    int
    MaxRedirects int
    Retries      int
    MaxRetries   int

    // Acks is the number of subscribe-family push acknowledgements that settle
    // this call instead of a regular reply.
    Acks int

    // Endpoint of the pipeline the call was last enqueued on.
    Endpoint string

    init  sync.Once
    once  sync.Once
    done  chan struct{}
    value any
    err   error
}

// Option mutates a call before it is enqueued.
type Option func(*Call)

func UTF8() Option              { return func(c *Call) { c.UTF8 = true } }
func UTF8Res() Option           { return func(c *Call) { c.UTF8Res = true } }
func NoRes() Option             { return func(c *Call) { c.NoRes = true } }
func ASAP() Option              { return func(c *Call) { c.ASAP = true } }
func Key(k string) Option       { return func(c *Call) { c.Key = k } }
func Replica() Option           { return func(c *Call) { c.Replica = true } }
func MaxRedirects(n int) Option { return func(c *Call) { c.MaxRedirects = n } }
func MaxRetries(n int) Option   { return func(c *Call) { c.MaxRetries = n } }

// New builds a call for a single command.
func New(args []any, opts ...Option) *Call {
    c := &Call{Args: args, MaxRedirects: DefaultMaxRedirects, MaxRetries: DefaultMaxRetries, done: make(chan struct{})}
    for _, o := range opts { o(c) }
    return c
}

// NewMulti builds a call for an atomic batch of commands.
func NewMulti(cmds [][]any, opts ...Option) *Call {
    c := New(nil, opts...)
    c.Multi = cmds
    return c
}

// Commands returns the commands this call writes, in order.
func (c *Call) Commands() [][]any {
    if c.Multi != nil { return c.Multi }
    return [][]any{c.Args}
}

// Replies is the number of regular replies the call consumes.
func (c *Call) Replies() int {
    if c.Multi != nil { return len(c.Multi) }
    return 1
}

// Name returns the command name of the first command.
func (c *Call) Name() (string, bool) {
    cmds := c.Commands()
    if len(cmds) == 0 || len(cmds[0]) == 0 { return "", false }
    switch v := cmds[0][0].(type) {
    case string:
        return v, v != ""
    case []byte:
        return string(v), len(v) > 0
    }
    return "", false
}

func (c *Call) Validate() error {
    if len(c.Commands()) == 0 { return ErrEmptyCommand }
    for _, cmd := range c.Commands() {
        if len(cmd) == 0 { return ErrEmptyCommand }
    }
    return nil
}

// Resolve settles the call successfully. Only the first settlement counts.
func (c *Call) Resolve(v any) bool { return c.settle(v, nil) }

// Reject settles the call with err. Only the first settlement counts.
func (c *Call) Reject(err error) bool { return c.settle(nil, err) }

func (c *Call) settle(v any, err error) bool {
    settled := false
    c.once.Do(func() {
        c.value, c.err = v, err
        close(c.doneCh())
        settled = true
    })
    return settled
}

func (c *Call) doneCh() chan struct{} {
    c.init.Do(func() {
        if c.done == nil { c.done = make(chan struct{}) }
    })
    return c.done
}

// Done is closed once the call settled.
func (c *Call) Done() <-chan struct{} { return c.doneCh() }

// Settled reports whether a result is available.
func (c *Call) Settled() bool {
    select {
    case <-c.doneCh():
        return true
    default:
        return false
    }
}

// Result returns the settled value and error. It must only be called after
// Done was closed.
func (c *Call) Result() (any, error) { return c.value, c.err }

// Wait blocks until the call settles or ctx is done. Giving up on ctx does
// not withdraw the call; its reply is still consumed when it arrives.
func (c *Call) Wait(ctx context.Context) (any, error) {
    select {
    case <-c.doneCh():
        return c.value, c.err
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// Clone returns an unsettled copy carrying the command, flags and counters.
func (c *Call) Clone() *Call {
    return &Call{
        Args:         c.Args,
        Multi:        c.Multi,
        UTF8:         c.UTF8,
        UTF8Res:      c.UTF8Res,
        NoRes:        c.NoRes,
        ASAP:         c.ASAP,
        Key:          c.Key,
        Replica:      c.Replica,
        Redirects:    c.Redirects,
        MaxRedirects: c.MaxRedirects,
        Retries:      c.Retries,
        MaxRetries:   c.MaxRetries,
        Acks:         c.Acks,
        done:         make(chan struct{}),
    }
}

func (c *Call) WithRedirect() *Call {
    n := c.Clone()
    n.Redirects++
    return n
}

func (c *Call) WithRetry() *Call {
    n := c.Clone()
    n.Retries++
    return n
}
