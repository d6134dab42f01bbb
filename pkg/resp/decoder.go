package resp

import (
    "bytes"
    "errors"
    "fmt"
    "math"
    "math/big"
    "strconv"
    "strings"
)

var errIncomplete = errors.New("resp: incomplete frame")

// MaxBlobLen is the largest blob string the decoder accepts.
const MaxBlobLen = 512 << 20

// Decoder is a streaming RESP2/RESP3 decoder. Bytes are appended with Push
// and complete values are taken off the front with Read. Bulk strings decode
// to []byte unless UTF-8 mode is on, in which case they decode to string.
// It is not safe for concurrent use.
type Decoder struct {
    buf  []byte
    pos  int
    utf8 bool
}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Push(p []byte) {
    if d.pos > 0 && d.pos >= len(d.buf)/2 {
        n := copy(d.buf, d.buf[d.pos:])
        d.buf = d.buf[:n]
        d.pos = 0
    }
    d.buf = append(d.buf, p...)
}

func (d *Decoder) SetUTF8(enabled bool) { d.utf8 = enabled }

// Buffered reports the number of undecoded bytes.
func (d *Decoder) Buffered() int { return len(d.buf) - d.pos }

// Reset drops all buffered bytes, e.g. after the connection was replaced.
func (d *Decoder) Reset() {
    d.buf = d.buf[:0]
    d.pos = 0
}

func (d *Decoder) Read() (any, bool, error) {
    if d.pos >= len(d.buf) { return nil, false, nil }
    v, next, err := d.parse(d.pos)
    if err == errIncomplete { return nil, false, nil }
    if err != nil { return nil, false, err }
    d.pos = next
    return v, true, nil
}

func (d *Decoder) line(at int) ([]byte, int, error) {
    i := bytes.Index(d.buf[at:], []byte("\r\n"))
    if i < 0 { return nil, 0, errIncomplete }
    return d.buf[at : at+i], at + i + 2, nil
}

func (d *Decoder) length(at int) (int, int, error) {
    ln, next, err := d.line(at)
    if err != nil { return 0, 0, err }
    n, err := strconv.Atoi(string(ln))
    if err != nil || n < -1 { return 0, 0, fmt.Errorf("%w: bad length %q", ErrProtocol, ln) }
    return n, next, nil
}

// capHint bounds a declared element count by the bytes actually buffered.
func (d *Decoder) capHint(at, n int) int {
    if rest := len(d.buf) - at; n > rest { return rest }
    return n
}

func (d *Decoder) blob(at, n int) ([]byte, int, error) {
    if n > MaxBlobLen { return nil, 0, fmt.Errorf("%w: blob of %d bytes exceeds %d", ErrProtocol, n, MaxBlobLen) }
    if n > len(d.buf)-at-2 { return nil, 0, errIncomplete }
    end := at + n
    if d.buf[end] != '\r' || d.buf[end+1] != '\n' {
        return nil, 0, fmt.Errorf("%w: missing blob terminator", ErrProtocol)
    }
    out := make([]byte, n)
    copy(out, d.buf[at:end])
    return out, end + 2, nil
}

func (d *Decoder) parse(at int) (any, int, error) {
    if at >= len(d.buf) { return nil, 0, errIncomplete }
    t := d.buf[at]
    at++
    switch t {
    case '+':
        ln, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        return string(ln), next, nil
    case '-':
        ln, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        return &Error{Msg: string(ln)}, next, nil
    case ':':
        ln, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        n, err := strconv.ParseInt(string(ln), 10, 64)
        if err != nil { return nil, 0, fmt.Errorf("%w: bad integer %q", ErrProtocol, ln) }
        return n, next, nil
    case '_':
        _, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        return nil, next, nil
    case '#':
        ln, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        return len(ln) == 1 && ln[0] == 't', next, nil
    case ',':
        ln, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        return parseDouble(string(ln), next)
    case '(':
        ln, next, err := d.line(at)
        if err != nil { return nil, 0, err }
        n, ok := new(big.Int).SetString(string(ln), 10)
        if !ok { return nil, 0, fmt.Errorf("%w: bad big number %q", ErrProtocol, ln) }
        return n, next, nil
    case '$', '!', '=':
        n, next, err := d.length(at)
        if err != nil { return nil, 0, err }
        if n < 0 { return nil, next, nil }
        b, next, err := d.blob(next, n)
        if err != nil { return nil, 0, err }
        switch t {
        case '!':
            return &Error{Msg: string(b)}, next, nil
        case '=':
            if len(b) >= 4 && b[3] == ':' { b = b[4:] }
            return string(b), next, nil
        }
        if d.utf8 { return string(b), next, nil }
        return b, next, nil
    case '*', '~':
        n, next, err := d.length(at)
        if err != nil { return nil, 0, err }
        if n < 0 { return nil, next, nil }
        return d.aggregate(next, n)
    case '>':
        n, next, err := d.length(at)
        if err != nil { return nil, 0, err }
        v, next, err := d.aggregate(next, n)
        if err != nil { return nil, 0, err }
        items := v.([]any)
        p := &Push{Data: items}
        if len(items) > 0 {
            if k, ok := AsString(items[0]); ok { p.Kind = strings.ToLower(k) }
        }
        return p, next, nil
    case '%':
        n, next, err := d.length(at)
        if err != nil { return nil, 0, err }
        return d.mapping(next, n)
    case '|':
        // attributes carry metadata about the next value; it is skipped.
        n, next, err := d.length(at)
        if err != nil { return nil, 0, err }
        _, next, err = d.mapping(next, n)
        if err != nil { return nil, 0, err }
        return d.parse(next)
    }
    return nil, 0, fmt.Errorf("%w: unexpected type byte %q", ErrProtocol, t)
}

func (d *Decoder) aggregate(at, n int) (any, int, error) {
    if n < 0 { return nil, 0, fmt.Errorf("%w: null aggregate", ErrProtocol) }
    out := make([]any, 0, d.capHint(at, n))
    for i := 0; i < n; i++ {
        v, next, err := d.parse(at)
        if err != nil { return nil, 0, err }
        out = append(out, v)
        at = next
    }
    return out, at, nil
}

func (d *Decoder) mapping(at, n int) (any, int, error) {
    if n < 0 { return nil, 0, fmt.Errorf("%w: null map", ErrProtocol) }
    out := make(map[string]any, d.capHint(at, n))
    for i := 0; i < n; i++ {
        k, next, err := d.parse(at)
        if err != nil { return nil, 0, err }
        v, next, err := d.parse(next)
        if err != nil { return nil, 0, err }
        ks, ok := AsString(k)
        if !ok { ks = fmt.Sprint(k) }
        out[ks] = v
        at = next
    }
    return out, at, nil
}

func parseDouble(s string, next int) (any, int, error) {
    switch s {
    case "inf":
        return math.Inf(1), next, nil
    case "-inf":
        return math.Inf(-1), next, nil
    case "nan":
        return math.NaN(), next, nil
    }
    f, err := strconv.ParseFloat(s, 64)
    if err != nil { return nil, 0, fmt.Errorf("%w: bad double %q", ErrProtocol, s) }
    return f, next, nil
}
