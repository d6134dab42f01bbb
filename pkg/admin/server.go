// Package admin serves a small HTTP endpoint exposing a cluster client's
// routing view, health and Prometheus metrics, plus a client for it.
package admin

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-kvcluster/pkg/cluster"
    "github.com/amirimatin/go-kvcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-kvcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-kvcluster/pkg/slots"
)

var ErrAlreadyStarted = errors.New("admin: server already started")

// Source is what the server reports on. *cluster.Cluster satisfies it.
type Source interface {
    Status(ctx context.Context) (*cluster.Status, error)
    Refresh()
}

// SlotInfo answers GET /slot.
type SlotInfo struct {
    Key    string `json:"key"`
    Slot   int    `json:"slot"`
    Master string `json:"master,omitempty"`
}

// Server exposes:
//
//  GET  /status   cluster.Status as JSON
//  GET  /healthz  200 once a slot table is installed, 503 before
//  GET  /slot     slot and master endpoint for ?key=
//  POST /refresh  schedule a slot table rebuild
//  GET  /metrics  Prometheus
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g. "127.0.0.1:9121").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS serves HTTPS with cfg.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the routes for src without starting a listener.
func Handler(src Source) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "admin.status")
        defer end()
        st, err := src.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, http.StatusOK, st)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        st, err := src.Status(r.Context())
        if err != nil || !st.Ready {
            http.Error(w, "not ready", http.StatusServiceUnavailable)
            return
        }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.HandleFunc("/slot", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        key := r.URL.Query().Get("key")
        if key == "" { http.Error(w, "missing key", http.StatusBadRequest); return }
        ctx, end := tracing.StartSpan(r.Context(), "admin.slot", attribute.String("kv.key", key))
        defer end()
        st, err := src.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, http.StatusOK, Lookup(st, key))
    })
    mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        src.Refresh()
        w.WriteHeader(http.StatusAccepted)
    })
    mux.Handle("/metrics", promhttp.Handler())
    return mux
}

// Lookup resolves the slot of key and the endpoint of its master in st.
func Lookup(st *cluster.Status, key string) SlotInfo {
    info := SlotInfo{Key: key, Slot: slots.OfString(key)}
    for _, r := range st.Ranges {
        if info.Slot < r.Min || info.Slot > r.Max { continue }
        for _, n := range st.Nodes {
            if n.ID == r.Master { info.Master = n.Endpoint }
        }
        break
    }
    return info
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// Start listens and serves src until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context, src Source) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.srv != nil { return ErrAlreadyStarted }
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: Handler(src), ReadHeaderTimeout: 5 * time.Second}
    s.srv, s.ln = srv, ln

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "admin: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "admin: listening on %s", ln.Addr())
    return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}
