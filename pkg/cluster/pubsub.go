package cluster

import (
    "context"
    "fmt"
    "sync"

    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/resp"
)

// Publish posts payload on channel and returns the number of receivers
// reached through the node it was sent to.
func (c *Cluster) Publish(ctx context.Context, channel string, payload any) (int64, error) {
    return c.count(c.Cmd(ctx, []any{"PUBLISH", channel, payload}))
}

// SPublish posts payload on a shard channel, routed to the channel's slot
// master.
func (c *Cluster) SPublish(ctx context.Context, channel string, payload any) (int64, error) {
    return c.count(c.Cmd(ctx, []any{"SPUBLISH", channel, payload}))
}

func (c *Cluster) count(v any, err error) (int64, error) {
    if err != nil { return 0, err }
    n, ok := resp.AsInt(v)
    if !ok { return 0, fmt.Errorf("%w: %T", pipeline.ErrUnexpectedReply, v) }
    return n, nil
}

// SSubscribe subscribes fn to a shard channel on the master of its slot and
// waits for the server to acknowledge. The connection is kept open until
// unsubscribe is called.
func (c *Cluster) SSubscribe(ctx context.Context, channel string, fn func(pipeline.Message)) (unsubscribe func(), err error) {
    p, release, err := c.clientForKey(ctx, channel, true)
    if err != nil {
        release()
        return nil, err
    }
    unsub, ack := p.SSubscribe(channel, fn)
    var once sync.Once
    unsubscribe = func() {
        once.Do(func() {
            unsub()
            release()
        })
    }
    if _, err := ack.Wait(ctx); err != nil {
        unsubscribe()
        return nil, err
    }
    return unsubscribe, nil
}
