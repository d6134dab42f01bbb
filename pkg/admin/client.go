package admin

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/cluster"
    "github.com/amirimatin/go-kvcluster/pkg/transport"
)

const (
    DefaultClientTimeout = 3 * time.Second
    DefaultAttempts      = 3
)

// Client talks to an admin Server. Failed requests are retried with capped
// exponential backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  int
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = DefaultClientTimeout }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: DefaultAttempts}
}

// UseTLS switches to https with cfg.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string, q url.Values) string {
    u := url.URL{Scheme: "http", Host: addr, Path: path, RawQuery: q.Encode()}
    if c.isTLS { u.Scheme = "https" }
    return u.String()
}

// do sends the request up to c.attempts times and returns the body of the
// first response with status want.
func (c *Client) do(ctx context.Context, method, u string, want int) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < c.attempts; attempt++ {
        if attempt > 0 {
            select {
            case <-ctx.Done():
                return nil, ctx.Err()
            case <-time.After(transport.BackoffBase(attempt-1, 100*time.Millisecond, time.Second)):
            }
        }
        req, err := http.NewRequestWithContext(ctx, method, u, nil)
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
            continue
        }
        b, err := io.ReadAll(resp.Body)
        resp.Body.Close()
        switch {
        case err != nil:
            lastErr = err
        case resp.StatusCode != want:
            lastErr = fmt.Errorf("admin: %s %s: status %d: %s", method, u, resp.StatusCode, b)
        default:
            return b, nil
        }
    }
    return nil, lastErr
}

// GetStatus returns the raw /status JSON.
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, c.url(addr, "/status", nil), http.StatusOK)
}

func (c *Client) Status(ctx context.Context, addr string) (*cluster.Status, error) {
    b, err := c.GetStatus(ctx, addr)
    if err != nil { return nil, err }
    var st cluster.Status
    if err := json.Unmarshal(b, &st); err != nil { return nil, fmt.Errorf("admin: decode status: %w", err) }
    return &st, nil
}

func (c *Client) Slot(ctx context.Context, addr, key string) (SlotInfo, error) {
    var out SlotInfo
    b, err := c.do(ctx, http.MethodGet, c.url(addr, "/slot", url.Values{"key": {key}}), http.StatusOK)
    if err != nil { return out, err }
    err = json.Unmarshal(b, &out)
    return out, err
}

func (c *Client) Refresh(ctx context.Context, addr string) error {
    _, err := c.do(ctx, http.MethodPost, c.url(addr, "/refresh", nil), http.StatusAccepted)
    return err
}
