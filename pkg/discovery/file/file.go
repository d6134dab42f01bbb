// Package file reads seeds from a file, a glob of files or an environment
// variable.
package file

import (
    "bufio"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-kvcluster/pkg/discovery"
)

// Options configures file discovery.
type Options struct {
    // Path is a file or glob. Lines hold one or more comma-separated seeds;
    // blank lines and lines starting with '#' are ignored.
    Path string
    // Env names a variable with comma-separated seeds. It wins over Path
    // when set and non-empty.
    Env     string
    Refresh time.Duration
}

type source struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return normalize(strings.Split(v, ",")) }
    }
    if s.opts.Path == "" { return nil }
    now := time.Now()
    if st, err := os.Stat(s.opts.Path); err == nil {
        if st.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
            if seeds, err := readFile(s.opts.Path); err == nil {
                s.cache = seeds
                s.last = now
                s.mtime = st.ModTime()
            }
        }
        return append([]string(nil), s.cache...)
    }
    if now.Sub(s.last) < s.opts.Refresh && s.cache != nil { return append([]string(nil), s.cache...) }
    matches, _ := filepath.Glob(s.opts.Path)
    if len(matches) > 0 {
        var all []string
        for _, m := range matches {
            seeds, _ := readFile(m)
            all = append(all, seeds...)
        }
        s.cache = normalize(all)
        s.last = now
    }
    return append([]string(nil), s.cache...)
}

func readFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    var seeds []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    if err := sc.Err(); err != nil { return nil, err }
    return normalize(seeds), nil
}

// normalize applies discovery.Normalize, drops blanks and duplicates and
// sorts the result.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, s := range in {
        if s = discovery.Normalize(s); s != "" { set[s] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for s := range set { out = append(out, s) }
    sort.Strings(out)
    return out
}
