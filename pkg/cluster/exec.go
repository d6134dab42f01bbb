package cluster

import (
    "context"
    "errors"
    "fmt"
    "net"
    "strconv"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-kvcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-kvcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
)

type outcomeKind int

const (
    outcomeSettled  outcomeKind = iota // value or remote error for the caller
    outcomeRedirect                    // MOVED
    outcomeRetry                       // ASK
    outcomeFatal
)

// outcome is the classified result of one execution attempt.
type outcome struct {
    kind   outcomeKind
    value  any
    err    error
    slot   int
    target string
}

func classify(v any, err error, from *pipeline.Client) outcome {
    if err == nil { return outcome{kind: outcomeSettled, value: v} }
    var re *resp.Error
    if !errors.As(err, &re) || !(resp.IsMoved(err) || resp.IsAsk(err)) {
        return outcome{kind: outcomeSettled, err: err}
    }
    slot, host, port, perr := resp.ParseRedirect(re.Msg)
    if perr != nil { return outcome{kind: outcomeFatal, err: perr} }
    if host == "" {
        // the node does not know its own address; reuse the one we dialed
        host, _, _ = net.SplitHostPort(from.Endpoint())
    }
    out := outcome{kind: outcomeRedirect, err: err, slot: slot, target: net.JoinHostPort(host, strconv.Itoa(port))}
    if resp.IsAsk(err) { out.kind = outcomeRetry }
    return out
}

func checkCall(cl *call.Call) (string, error) {
    name, ok := cl.Name()
    if !ok || cl.Validate() != nil { return "", ErrInvalidCommand }
    if cl.Multi != nil && cl.Key == "" { return "", ErrMissingKey }
    return name, nil
}

// routingKey is the explicit key or, for single commands, the first argument.
func routingKey(cl *call.Call) string {
    if cl.Key != "" || cl.Multi != nil || len(cl.Args) < 2 { return cl.Key }
    if s, ok := resp.AsString(cl.Args[1]); ok { return s }
    return fmt.Sprint(cl.Args[1])
}

// Call routes cl to the node serving its key and follows redirects until the
// call settles or a bound is hit. cl itself is settled with the final result.
func (c *Cluster) Call(ctx context.Context, cl *call.Call) (any, error) {
    v, _, err := c.execute(ctx, cl, nil)
    if err != nil {
        cl.Reject(err)
    } else {
        cl.Resolve(v)
    }
    return v, err
}

func (c *Cluster) Cmd(ctx context.Context, args []any, opts ...call.Option) (any, error) {
    return c.Call(ctx, call.New(args, opts...))
}

// CmdMulti sends cmds as one atomic batch to the node serving key.
func (c *Cluster) CmdMulti(ctx context.Context, key string, cmds [][]any, opts ...call.Option) (any, error) {
    return c.Call(ctx, call.NewMulti(cmds, append(opts, call.Key(key))...))
}

// execute runs the routing state machine. When start is set the first attempt
// goes to it instead of the routed node. It returns the pipeline that
// produced the final answer.
func (c *Cluster) execute(ctx context.Context, orig *call.Call, start *pipeline.Client) (any, *pipeline.Client, error) {
    if c.stopped() { return nil, nil, ErrStopped }
    name, err := checkCall(orig)
    if err != nil { return nil, nil, err }
    ctx, end := tracing.StartSpan(ctx, "cluster.call", attribute.String("db.operation", name))
    defer end()

    fail := func(err error) (any, *pipeline.Client, error) {
        tracing.RecordError(ctx, err)
        return nil, nil, err
    }

    cl := orig.Clone()
    var (
        p       *pipeline.Client
        release = func() {}
    )
    if start != nil {
        p = start
    } else {
        p, release, err = c.clientForKey(ctx, routingKey(cl), IsWrite(name) || !cl.Replica)
        if err != nil {
            obsmetrics.ClusterRouteFailures.WithLabelValues("no_client").Inc()
            return fail(err)
        }
    }
    asking := false
    for {
        var v any
        if asking {
            v, err = p.CallAsking(ctx, cl)
        } else {
            v, err = p.Call(ctx, cl)
        }
        release()
        out := classify(v, err, p)
        switch out.kind {
        case outcomeSettled:
            if out.err != nil { tracing.RecordError(ctx, out.err) }
            return out.value, p, out.err
        case outcomeFatal:
            return fail(out.err)
        case outcomeRedirect:
            obsmetrics.ClusterRedirects.WithLabelValues("moved").Inc()
            c.eb.publish(Event{Type: EventRedirect, Endpoint: out.target, Slot: out.slot, Err: out.err, Details: map[string]string{"kind": "moved", "from": p.Endpoint()}})
            // Any MOVED means the local table is stale, even when the call
            // gives up below.
            c.scheduleRebuild()
            if out.target == p.Endpoint() {
                return fail(fmt.Errorf("%w: %s: %v", ErrRedirectLoop, out.target, out.err))
            }
            next := cl.WithRedirect()
            if next.Redirects > next.MaxRedirects {
                return fail(fmt.Errorf("%w (%d): %v", ErrTooManyRedirects, cl.Redirects, out.err))
            }
            logutil.Debugf(c.opts.Logger, "cluster: %s moved slot %d to %s", p.Endpoint(), out.slot, out.target)
            cl, asking = next, false
        case outcomeRetry:
            obsmetrics.ClusterRedirects.WithLabelValues("ask").Inc()
            c.eb.publish(Event{Type: EventRedirect, Endpoint: out.target, Slot: out.slot, Err: out.err, Details: map[string]string{"kind": "ask", "from": p.Endpoint()}})
            next := cl.WithRetry()
            if next.Retries > next.MaxRetries {
                return fail(fmt.Errorf("%w (%d): %v", ErrTooManyRetries, cl.Retries, out.err))
            }
            if err := c.sleep(ctx, c.opts.AskDelay<<uint(next.Retries-1)); err != nil { return fail(err) }
            cl, asking = next, true
        }
        if p, release, err = c.clientAt(out.target); err != nil { return fail(err) }
    }
}

func (c *Cluster) sleep(ctx context.Context, d time.Duration) error {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-t.C:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    case <-c.ctx.Done():
        return ErrStopped
    }
}

// Eval runs the registered script id on the node owning keys[0]. On NOSCRIPT
// the script is loaded on the node that reported it and the call is retried
// there once.
func (c *Cluster) Eval(ctx context.Context, id string, keys []string, args []any, opts ...call.Option) (any, error) {
    s, ok := c.opts.Scripts.Get(id)
    if !ok { return nil, fmt.Errorf("%w: %q", pipeline.ErrScriptNotRegistered, id) }
    build := func() *call.Call {
        cl := call.New(s.Args(keys, args), opts...)
        if cl.Key == "" && len(keys) > 0 { cl.Key = keys[0] }
        return cl
    }
    v, p, err := c.execute(ctx, build(), nil)
    if !resp.IsNoscript(err) || p == nil { return v, err }
    logutil.Debugf(c.opts.Logger, "cluster: loading script %q (%s) on %s", id, s.SHA1, p.Endpoint())
    if err := p.CmdFnF(s.LoadArgs()); err != nil { return nil, err }
    v, _, err = c.execute(ctx, build(), p)
    return v, err
}

// Scripts is the registry Eval resolves script ids in.
func (c *Cluster) Scripts() *scripts.Registry { return c.opts.Scripts }
