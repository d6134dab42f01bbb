package pipeline

import (
    "context"
    "fmt"

    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
)

// Eval runs the registered script id with EVALSHA. When the server does not
// know the script it is loaded and the call is retried once; a second
// NOSCRIPT is returned to the caller.
func (c *Client) Eval(ctx context.Context, id string, keys []string, args []any, opts ...call.Option) (any, error) {
    s, ok := c.opts.Scripts.Get(id)
    if !ok { return nil, fmt.Errorf("%w: %q", ErrScriptNotRegistered, id) }
    v, err := c.Cmd(ctx, s.Args(keys, args), opts...)
    if !resp.IsNoscript(err) { return v, err }
    logutil.Debugf(c.log, "pipeline: loading script %q (%s) on %s", id, s.SHA1, c.Endpoint())
    if err := c.CmdFnF(s.LoadArgs()); err != nil { return nil, err }
    return c.Cmd(ctx, s.Args(keys, args), opts...)
}
