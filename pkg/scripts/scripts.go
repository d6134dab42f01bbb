// Package scripts keeps server-side scripts by logical id so callers can run
// them by hash and only ship the source when the server lost it.
package scripts

import (
    "crypto/sha1"
    "encoding/hex"
    "errors"
    "sort"
    "sync"
)

var ErrEmptySource = errors.New("scripts: empty source")

// Script is a registered script and the digest EVALSHA expects.
type Script struct {
    ID     string
    Source string
    SHA1   string
}

// Args builds "EVALSHA sha numkeys key... arg...".
func (s *Script) Args(keys []string, args []any) []any {
    out := make([]any, 0, 3+len(keys)+len(args))
    out = append(out, "EVALSHA", s.SHA1, len(keys))
    for _, k := range keys { out = append(out, k) }
    return append(out, args...)
}

// LoadArgs builds "SCRIPT LOAD source".
func (s *Script) LoadArgs() []any { return []any{"SCRIPT", "LOAD", s.Source} }

// Digest returns the lowercase hex SHA-1 of source.
func Digest(source string) string {
    sum := sha1.Sum([]byte(source))
    return hex.EncodeToString(sum[:])
}

// Registry is safe for concurrent use. The zero value is ready to use.
type Registry struct {
    mu sync.RWMutex
    m  map[string]*Script
}

func NewRegistry() *Registry { return &Registry{} }

// Set registers or replaces the script stored under id.
func (r *Registry) Set(id, source string) (*Script, error) {
    if source == "" { return nil, ErrEmptySource }
    s := &Script{ID: id, Source: source, SHA1: Digest(source)}
    r.mu.Lock()
    if r.m == nil { r.m = make(map[string]*Script) }
    r.m[id] = s
    r.mu.Unlock()
    return s, nil
}

func (r *Registry) Get(id string) (*Script, bool) {
    if r == nil { return nil, false }
    r.mu.RLock()
    defer r.mu.RUnlock()
    s, ok := r.m[id]
    return s, ok
}

func (r *Registry) Delete(id string) {
    r.mu.Lock()
    delete(r.m, id)
    r.mu.Unlock()
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
    r.mu.RLock()
    defer r.mu.RUnlock()
    ids := make([]string, 0, len(r.m))
    for id := range r.m { ids = append(ids, id) }
    sort.Strings(ids)
    return ids
}
