package gossip

import (
    "context"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func startAgent(t *testing.T, ctx context.Context, name, endpoint string, join ...string) *Agent {
    t.Helper()
    a, err := New(Options{Name: name, Bind: "127.0.0.1:0", Endpoint: endpoint, Join: join, ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2, Logger: log.New(io.Discard, "", 0)})
    require.NoError(t, err)
    require.NoError(t, a.Start(ctx))
    t.Cleanup(func() { _ = a.Stop() })
    return a
}

func TestNewRequiresBind(t *testing.T) {
    _, err := New(Options{})
    assert.ErrorIs(t, err, ErrNoBind)
    a, err := New(Options{Bind: "127.0.0.1:0"})
    require.NoError(t, err)
    assert.NotEmpty(t, a.opts.Name)
    assert.Equal(t, -1, a.HealthScore())
    assert.ErrorIs(t, a.Join("127.0.0.1:1"), ErrNotStarted)
    assert.Empty(t, a.Seeds())
}

func TestSeedsFromAdvertisedEndpoints(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1 := startAgent(t, ctx, "agent-1", "10.0.0.1:7000")
    require.NotEmpty(t, n1.Addr())
    n2 := startAgent(t, ctx, "agent-2", "10.0.0.2", n1.Addr())
    client := startAgent(t, ctx, "client", "", n1.Addr())

    require.Eventually(t, func() bool { return len(client.Members()) == 3 }, 5*time.Second, 50*time.Millisecond)
    assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:6379"}, client.Seeds())

    require.NoError(t, n2.Stop())
    require.Eventually(t, func() bool { return len(client.Seeds()) == 1 }, 5*time.Second, 50*time.Millisecond)
    assert.Equal(t, []string{"10.0.0.1:7000"}, client.Seeds())
}
