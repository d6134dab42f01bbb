// Package cli provides cobra commands to run and inspect a cluster client.
// Services embed them with AddAll or NewKVCommand.
package cli

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "text/tabwriter"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-kvcluster/pkg/admin"
    admingrpc "github.com/amirimatin/go-kvcluster/pkg/admin/grpc"
    "github.com/amirimatin/go-kvcluster/pkg/bootstrap"
    "github.com/amirimatin/go-kvcluster/pkg/call"
    "github.com/amirimatin/go-kvcluster/pkg/cluster"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-kvcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-kvcluster/pkg/pipeline"
    "github.com/amirimatin/go-kvcluster/pkg/slots"
    tlsx "github.com/amirimatin/go-kvcluster/pkg/security/tlsconfig"
)

// AddAll attaches the client subcommands to root.
func AddAll(root *cobra.Command) {
    for _, c := range commands() { root.AddCommand(c) }
}

// NewKVCommand returns a parent command "kv" containing every subcommand.
func NewKVCommand() *cobra.Command {
    parent := &cobra.Command{Use: "kv", Short: "key-value cluster client commands"}
    AddAll(parent)
    return parent
}

func commands() []*cobra.Command {
    return []*cobra.Command{NewExecCmd(), NewSlotCmd(), NewTopologyCmd(), NewSubscribeCmd(), NewServeCmd(), NewStatusCmd(), NewEventsCmd()}
}

// connFlags are the client flags shared by commands that talk to servers.
type connFlags struct {
    cfg         bootstrap.Config
    trace       bool
    logJSON     bool
    debug       bool
    waitTimeout time.Duration
}

func (f *connFlags) bind(cmd *cobra.Command) {
    fs := cmd.Flags()
    fs.StringVar(&f.cfg.Mode, "mode", bootstrap.ModeCluster, "client mode: cluster|standalone")
    fs.StringVar(&f.cfg.Addr, "addr", "", "server address (standalone) or extra seed (cluster), host:port")
    fs.StringVar(&f.cfg.SeedsCSV, "seeds", "127.0.0.1:7000", "comma-separated seed nodes (host:port), used by discovery=static")
    fs.StringVar(&f.cfg.DiscoveryKind, "discovery", "static", "discovery backend: static|dns|file|gossip")
    fs.StringVar(&f.cfg.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _redis._tcp.example.com)")
    fs.IntVar(&f.cfg.DNSPort, "dns-port", 6379, "port used for A/AAAA lookups")
    fs.DurationVar(&f.cfg.DiscRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    fs.StringVar(&f.cfg.FilePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    fs.StringVar(&f.cfg.FileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    fs.StringVar(&f.cfg.GossipBind, "gossip-bind", "0.0.0.0:7946", "gossip bind address, used by discovery=gossip")
    fs.StringVar(&f.cfg.GossipJoinCSV, "gossip-join", "", "comma-separated gossip peers to join, used by discovery=gossip")
    fs.StringVar(&f.cfg.User, "user", "", "ACL user name")
    fs.StringVar(&f.cfg.Password, "password", os.Getenv("KVCLUSTER_PASSWORD"), "password (default $KVCLUSTER_PASSWORD)")
    fs.BoolVar(&f.cfg.TLSEnable, "tls-enable", false, "connect to nodes over TLS")
    fs.StringVar(&f.cfg.TLSCA, "tls-ca", "", "path to CA cert (PEM)")
    fs.StringVar(&f.cfg.TLSCert, "tls-cert", "", "path to client certificate (PEM)")
    fs.StringVar(&f.cfg.TLSKey, "tls-key", "", "path to client private key (PEM)")
    fs.BoolVar(&f.cfg.TLSSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fs.StringVar(&f.cfg.TLSServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    fs.DurationVar(&f.cfg.ClientTimeout, "client-timeout", 10*time.Second, "seed connection timeout")
    fs.DurationVar(&f.waitTimeout, "timeout", 15*time.Second, "overall time allowed to become ready and run the command")
    fs.BoolVar(&f.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    fs.BoolVar(&f.logJSON, "log-json", false, "log as JSON lines")
    fs.BoolVar(&f.debug, "debug", false, "enable debug logs")
}

// open applies logging and tracing flags and runs the client. The returned
// cleanup closes everything.
func (f *connFlags) open(ctx context.Context, cmd *cobra.Command) (*bootstrap.Client, func(), error) {
    if f.logJSON { logutil.SetJSON(true) }
    if f.debug { logutil.SetDebug(true) }
    if f.cfg.Logger == nil { f.cfg.Logger = log.New(cmd.ErrOrStderr(), "", log.LstdFlags) }
    shutdown := func(context.Context) error { return nil }
    if f.trace {
        s, err := tracing.Setup(true)
        if err != nil {
            logutil.Warnf(f.cfg.Logger, "tracing setup error: %v", err)
        } else {
            shutdown = s
        }
    }
    c, err := bootstrap.Run(ctx, f.cfg)
    if err != nil {
        _ = shutdown(context.Background())
        return nil, nil, err
    }
    return c, func() {
        _ = c.Close()
        _ = shutdown(context.Background())
    }, nil
}

// NewExecCmd returns the "exec" command which sends one command and prints
// the reply.
func NewExecCmd() *cobra.Command {
    var (
        f       connFlags
        key     string
        replica bool
        raw     bool
    )
    cmd := &cobra.Command{
        Use:   "exec [flags] -- COMMAND [ARG...]",
        Short: "Run one command against the cluster and print the reply",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(cmd.Context(), f.waitTimeout)
            defer cancel()
            c, done, err := f.open(ctx, cmd)
            if err != nil { return err }
            defer done()

            argv := make([]any, len(args))
            for i, a := range args { argv[i] = a }
            opts := []call.Option{call.UTF8(), call.UTF8Res()}
            if key != "" { opts = append(opts, call.Key(key)) }
            if replica { opts = append(opts, call.Replica()) }
            v, err := c.Cmd(ctx, argv, opts...)
            if err != nil { return err }
            out := cmd.OutOrStdout()
            if raw { return json.NewEncoder(out).Encode(v) }
            _, err = fmt.Fprintln(out, Format(v))
            return err
        },
    }
    f.bind(cmd)
    cmd.Flags().StringVar(&key, "key", "", "routing key when it is not the first argument")
    cmd.Flags().BoolVar(&replica, "replica", false, "allow reads from a replica")
    cmd.Flags().BoolVar(&raw, "json", false, "print the reply as JSON")
    return cmd
}

// NewSlotCmd returns the "slot" command. It needs no server.
func NewSlotCmd() *cobra.Command {
    return &cobra.Command{
        Use:   "slot KEY...",
        Short: "Print the hash slot of each key",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
            fmt.Fprintln(w, "KEY\tHASHED\tSLOT")
            for _, k := range args {
                fmt.Fprintf(w, "%s\t%s\t%d\n", k, slots.HashTag([]byte(k)), slots.OfString(k))
            }
            return w.Flush()
        },
    }
}

// NewTopologyCmd returns the "topology" command.
func NewTopologyCmd() *cobra.Command {
    var (
        f   connFlags
        raw bool
    )
    cmd := &cobra.Command{
        Use:   "topology",
        Short: "Fetch the slot table and print ranges and nodes",
        RunE: func(cmd *cobra.Command, args []string) error {
            f.cfg.Mode = bootstrap.ModeCluster
            ctx, cancel := context.WithTimeout(cmd.Context(), f.waitTimeout)
            defer cancel()
            c, done, err := f.open(ctx, cmd)
            if err != nil { return err }
            defer done()
            st, err := c.Cluster.Status(ctx)
            if err != nil { return err }
            if raw { return json.NewEncoder(cmd.OutOrStdout()).Encode(st) }
            return printTopology(cmd.OutOrStdout(), st)
        },
    }
    f.bind(cmd)
    cmd.Flags().BoolVar(&raw, "json", false, "print as JSON")
    return cmd
}

func printTopology(out io.Writer, st *cluster.Status) error {
    w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
    fmt.Fprintln(w, "SLOTS\tMASTER\tREPLICAS")
    for _, r := range st.Ranges {
        fmt.Fprintf(w, "%d-%d\t%s\t%d\n", r.Min, r.Max, r.Master, len(r.Replicas))
    }
    fmt.Fprintln(w)
    fmt.Fprintln(w, "ID\tENDPOINT\tROLE\tHEALTH\tOFFSET")
    for _, n := range st.Nodes {
        fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", n.ID, n.Endpoint, n.Role, n.Health, n.ReplicationOffset)
    }
    for _, warn := range st.Warnings { fmt.Fprintf(w, "warning: %s\n", warn) }
    return w.Flush()
}

// NewSubscribeCmd returns the "subscribe" command which prints messages
// until interrupted.
func NewSubscribeCmd() *cobra.Command {
    var (
        f     connFlags
        shard bool
        count int
    )
    cmd := &cobra.Command{
        Use:   "subscribe CHANNEL...",
        Short: "Subscribe to channels and print messages",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext(cmd.Context())
            defer cancel()
            readyCtx, cancelReady := context.WithTimeout(ctx, f.waitTimeout)
            defer cancelReady()
            c, done, err := f.open(readyCtx, cmd)
            if err != nil { return err }
            defer done()

            msgs := make(chan pipeline.Message, 64)
            for _, ch := range args {
                unsub, err := c.Subscribe(readyCtx, ch, shard, func(m pipeline.Message) {
                    select {
                    case msgs <- m:
                    case <-ctx.Done():
                    }
                })
                if err != nil { return fmt.Errorf("subscribe %s: %w", ch, err) }
                defer unsub()
            }
            out := cmd.OutOrStdout()
            for n := 0; count <= 0 || n < count; n++ {
                select {
                case <-ctx.Done():
                    return nil
                case m := <-msgs:
                    fmt.Fprintf(out, "%s\t%s\n", m.Channel, m.Payload)
                }
            }
            return nil
        },
    }
    f.bind(cmd)
    cmd.Flags().BoolVar(&shard, "shard", false, "use shard channels (SSUBSCRIBE)")
    cmd.Flags().IntVar(&count, "count", 0, "exit after this many messages (0 = run until interrupted)")
    return cmd
}

// NewServeCmd returns the "serve" command: a long-running cluster client
// exposing the admin endpoint.
func NewServeCmd() *cobra.Command {
    var f connFlags
    cmd := &cobra.Command{
        Use:   "serve",
        Short: "Run a cluster client with the admin endpoint",
        RunE: func(cmd *cobra.Command, args []string) error {
            f.cfg.Mode = bootstrap.ModeCluster
            ctx, cancel := signalContext(cmd.Context())
            defer cancel()
            readyCtx, cancelReady := context.WithTimeout(ctx, f.waitTimeout)
            defer cancelReady()
            c, done, err := f.open(readyCtx, cmd)
            if err != nil { return err }
            defer done()
            fmt.Fprintf(cmd.OutOrStdout(), "admin endpoint on %s. Press Ctrl+C to exit.\n", c.AdminAddr())
            <-ctx.Done()
            return nil
        },
    }
    f.bind(cmd)
    cmd.Flags().StringVar(&f.cfg.AdminAddr, "admin-addr", "127.0.0.1:9121", "admin address (host:port)")
    cmd.Flags().StringVar(&f.cfg.AdminProto, "admin-proto", bootstrap.AdminHTTP, "admin protocol: http|grpc")
    cmd.Flags().BoolVar(&f.cfg.AdminTLS, "admin-tls", false, "serve the admin endpoint over TLS with --tls-cert/--tls-key")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr, tlsCA, proto string
        timeout            time.Duration
        tlsEnable, tlsSkip bool
        refresh            bool
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch the routing status of a running client as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
            defer cancel()
            tlsCfg, err := tlsx.Options{Enable: tlsEnable, CAFile: tlsCA, InsecureSkipVerify: tlsSkip}.Client()
            if err != nil { return fmt.Errorf("tls client config: %w", err) }
            var data []byte
            switch proto {
            case bootstrap.AdminGRPC:
                client := admingrpc.NewClient(timeout).UseTLS(tlsCfg)
                defer client.Close()
                if refresh {
                    if err := client.Refresh(ctx, addr); err != nil { return fmt.Errorf("refresh error: %w", err) }
                }
                st, err := client.Status(ctx, addr)
                if err != nil { return fmt.Errorf("status error: %w", err) }
                if data, err = json.Marshal(st); err != nil { return err }
            case bootstrap.AdminHTTP:
                client := admin.NewClient(timeout).UseTLS(tlsCfg)
                if refresh {
                    if err := client.Refresh(ctx, addr); err != nil { return fmt.Errorf("refresh error: %w", err) }
                }
                if data, err = client.GetStatus(ctx, addr); err != nil { return fmt.Errorf("status error: %w", err) }
            default:
                return fmt.Errorf("%w: %q", bootstrap.ErrUnknownAdmin, proto)
            }
            out := cmd.OutOrStdout()
            out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { out.Write([]byte("\n")) }
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9121", "admin address (host:port)")
    cmd.Flags().StringVar(&proto, "proto", bootstrap.AdminHTTP, "admin protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&refresh, "refresh", false, "ask for a slot table rebuild first")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "use TLS")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    return cmd
}

// NewEventsCmd returns the "events" command which tails routing events from
// a gRPC admin endpoint as JSON lines.
func NewEventsCmd() *cobra.Command {
    var (
        addr, tlsCA        string
        count              int
        tlsEnable, tlsSkip bool
    )
    cmd := &cobra.Command{
        Use:   "events",
        Short: "Stream routing events from a gRPC admin endpoint",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext(cmd.Context())
            defer cancel()
            tlsCfg, err := tlsx.Options{Enable: tlsEnable, CAFile: tlsCA, InsecureSkipVerify: tlsSkip}.Client()
            if err != nil { return fmt.Errorf("tls client config: %w", err) }
            client := admingrpc.NewClient(0).UseTLS(tlsCfg)
            defer client.Close()
            enc := json.NewEncoder(cmd.OutOrStdout())
            seen := 0
            err = client.Events(ctx, addr, func(ev admingrpc.Event) {
                _ = enc.Encode(ev)
                if seen++; count > 0 && seen >= count { cancel() }
            })
            if errors.Is(err, context.Canceled) { return nil }
            return err
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9121", "gRPC admin address (host:port)")
    cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 = until interrupted)")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "use TLS")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
    if parent == nil { parent = context.Background() }
    return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
