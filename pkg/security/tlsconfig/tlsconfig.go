// Package tlsconfig turns certificate file paths into *tls.Config values for
// node connections and the admin endpoint.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

var (
    ErrKeyPairRequired = errors.New("tlsconfig: cert and key required")
    ErrNoCertificates  = errors.New("tlsconfig: no certificates in CA file")
)

// ReloadInterval is how long a hot-reloaded key pair is reused before it is
// read from disk again.
const ReloadInterval = 10 * time.Second

// Options names the PEM files to load. Nothing is read unless Enable is set.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    // ServerName overrides the name verified against node certificates.
    // Cluster nodes are usually addressed by IP, so this is often needed.
    ServerName string
}

// Client returns the config for dialing nodes, or nil when disabled. A client
// certificate is presented when CertFile and KeyFile are set.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.client()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, fmt.Errorf("tlsconfig: client key pair: %w", err) }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ClientHotReload is Client with the client certificate re-read from disk at
// most every ReloadInterval, so rotated files are picked up by new
// connections.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.client()
    if err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    if _, err := r.get(); err != nil { return nil, err }
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.get() }
    return cfg, nil
}

// Server returns the config for listeners, or nil when disabled. When CAFile
// is set clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrKeyPairRequired }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    if _, err := r.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

func (o Options) client() (*tls.Config, error) {
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tlsconfig: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path) }
    return pool, nil
}

type reloader struct {
    cert, key string

    mu     sync.RWMutex
    cached *tls.Certificate
    loaded time.Time
}

func (r *reloader) get() (*tls.Certificate, error) {
    r.mu.RLock()
    if r.cached != nil && time.Since(r.loaded) < ReloadInterval {
        c := r.cached
        r.mu.RUnlock()
        return c, nil
    }
    r.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil {
        r.mu.RLock()
        defer r.mu.RUnlock()
        // keep serving the last good pair while files are mid-rotation
        if r.cached != nil { return r.cached, nil }
        return nil, fmt.Errorf("tlsconfig: key pair: %w", err)
    }
    r.mu.Lock()
    r.cached, r.loaded = &cert, time.Now()
    r.mu.Unlock()
    return &cert, nil
}
