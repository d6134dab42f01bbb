package resp

import (
    "fmt"
    "math"
    "math/big"
    "sort"
    "strconv"
    "unicode/utf8"
)

// Encoder accumulates RESP frames into an internal buffer until Flush.
// It is not safe for concurrent use.
type Encoder struct {
    buf []byte
}

func NewEncoder() *Encoder { return &Encoder{buf: make([]byte, 0, 4096)} }

// Len reports the number of buffered bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// Flush returns the buffered bytes and resets the encoder. The returned slice
// is owned by the caller.
func (e *Encoder) Flush() []byte {
    out := e.buf
    e.buf = make([]byte, 0, cap(out))
    return out
}

func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Truncate drops everything appended after the first n bytes.
func (e *Encoder) Truncate(n int) {
    if n >= 0 && n < len(e.buf) { e.buf = e.buf[:n] }
}

// WriteCmd appends one command as an array of bulk strings. On error nothing
// is appended.
func (e *Encoder) WriteCmd(args []any, utf8Args bool) error {
    mark := len(e.buf)
    e.buf = appendHeader(e.buf, '*', len(args))
    for _, a := range args {
        var err error
        e.buf, err = appendArg(e.buf, a, utf8Args)
        if err != nil {
            e.buf = e.buf[:mark]
            return err
        }
    }
    return nil
}

func appendHeader(b []byte, t byte, n int) []byte {
    b = append(b, t)
    b = strconv.AppendInt(b, int64(n), 10)
    return append(b, '\r', '\n')
}

func appendBulk(b []byte, p []byte) []byte {
    b = appendHeader(b, '$', len(p))
    b = append(b, p...)
    return append(b, '\r', '\n')
}

func appendBulkString(b []byte, s string) []byte {
    b = appendHeader(b, '$', len(s))
    b = append(b, s...)
    return append(b, '\r', '\n')
}

func appendArg(b []byte, a any, utf8Args bool) ([]byte, error) {
    switch x := a.(type) {
    case string:
        if utf8Args && !utf8.ValidString(x) { return b, ErrInvalidUTF8 }
        return appendBulkString(b, x), nil
    case []byte:
        return appendBulk(b, x), nil
    case SimpleString:
        return appendBulkString(b, string(x)), nil
    case int:
        return appendBulkString(b, strconv.Itoa(x)), nil
    case int32:
        return appendBulkString(b, strconv.FormatInt(int64(x), 10)), nil
    case int64:
        return appendBulkString(b, strconv.FormatInt(x, 10)), nil
    case uint:
        return appendBulkString(b, strconv.FormatUint(uint64(x), 10)), nil
    case uint32:
        return appendBulkString(b, strconv.FormatUint(uint64(x), 10)), nil
    case uint64:
        return appendBulkString(b, strconv.FormatUint(x, 10)), nil
    case float64:
        return appendBulkString(b, strconv.FormatFloat(x, 'f', -1, 64)), nil
    case bool:
        if x { return appendBulkString(b, "1"), nil }
        return appendBulkString(b, "0"), nil
    case fmt.Stringer:
        return appendBulkString(b, x.String()), nil
    }
    return b, fmt.Errorf("%w: %T", ErrUnsupportedArg, a)
}

// Write appends an arbitrary reply value using RESP3 framing. It is used by
// servers and test doubles.
func (e *Encoder) Write(v any) error {
    mark := len(e.buf)
    var err error
    e.buf, err = appendValue(e.buf, v)
    if err != nil { e.buf = e.buf[:mark] }
    return err
}

func appendValue(b []byte, v any) ([]byte, error) {
    switch x := v.(type) {
    case nil:
        return append(b, '_', '\r', '\n'), nil
    case SimpleString:
        b = append(b, '+')
        b = append(b, x...)
        return append(b, '\r', '\n'), nil
    case *Error:
        b = append(b, '-')
        b = append(b, x.Msg...)
        return append(b, '\r', '\n'), nil
    case string:
        return appendBulkString(b, x), nil
    case []byte:
        return appendBulk(b, x), nil
    case int:
        return appendHeader(b, ':', x), nil
    case int64:
        b = append(b, ':')
        b = strconv.AppendInt(b, x, 10)
        return append(b, '\r', '\n'), nil
    case float64:
        b = append(b, ',')
        switch {
        case math.IsInf(x, 1):
            b = append(b, "inf"...)
        case math.IsInf(x, -1):
            b = append(b, "-inf"...)
        case math.IsNaN(x):
            b = append(b, "nan"...)
        default:
            b = strconv.AppendFloat(b, x, 'f', -1, 64)
        }
        return append(b, '\r', '\n'), nil
    case bool:
        if x { return append(b, '#', 't', '\r', '\n'), nil }
        return append(b, '#', 'f', '\r', '\n'), nil
    case *big.Int:
        b = append(b, '(')
        b = append(b, x.String()...)
        return append(b, '\r', '\n'), nil
    case []string:
        b = appendHeader(b, '*', len(x))
        for _, s := range x { b = appendBulkString(b, s) }
        return b, nil
    case []any:
        b = appendHeader(b, '*', len(x))
        return appendValues(b, x)
    case map[string]any:
        keys := make([]string, 0, len(x))
        for k := range x { keys = append(keys, k) }
        sort.Strings(keys)
        b = appendHeader(b, '%', len(x))
        for _, k := range keys {
            b = appendBulkString(b, k)
            var err error
            if b, err = appendValue(b, x[k]); err != nil { return b, err }
        }
        return b, nil
    case *Push:
        b = appendHeader(b, '>', len(x.Data))
        return appendValues(b, x.Data)
    }
    return b, fmt.Errorf("%w: %T", ErrUnsupportedArg, v)
}

func appendValues(b []byte, vs []any) ([]byte, error) {
    for _, v := range vs {
        var err error
        if b, err = appendValue(b, v); err != nil { return b, err }
    }
    return b, nil
}
