package resp

import (
    "errors"
    "fmt"
    "strconv"
    "strings"
)

var (
    ErrProtocol       = errors.New("resp: protocol error")
    ErrUnsupportedArg = errors.New("resp: unsupported argument type")
    ErrInvalidUTF8    = errors.New("resp: argument is not valid utf-8")
    ErrNotRedirect    = errors.New("resp: not a redirect error")
)

// CommandEncoder serializes commands into a single outgoing buffer. Len and
// Truncate let a caller drop a partially encoded batch of commands.
type CommandEncoder interface {
    WriteCmd(args []any, utf8 bool) error
    Flush() []byte
    Len() int
    Truncate(n int)
}

// ReplyDecoder incrementally decodes replies from a byte stream. Read returns
// ok=false when the buffered bytes do not yet hold a complete value.
type ReplyDecoder interface {
    Push(p []byte)
    Read() (v any, ok bool, err error)
    SetUTF8(enabled bool)
    Reset()
}

// SimpleString is encoded as a status reply ("+OK").
type SimpleString string

// Error is a remote-reported error reply.
type Error struct {
    Msg string
}

func (e *Error) Error() string { return e.Msg }

// Code returns the leading upper-case word of the message, e.g. "MOVED".
func (e *Error) Code() string {
    if i := strings.IndexByte(e.Msg, ' '); i >= 0 { return e.Msg[:i] }
    return e.Msg
}

// Push is an out-of-band frame. Kind is the lower-cased first element.
type Push struct {
    Kind string
    Data []any
}

func NewPush(kind string, data ...any) *Push {
    return &Push{Kind: kind, Data: append([]any{[]byte(kind)}, data...)}
}

// Field returns the i-th element (0 is the kind) as bytes.
func (p *Push) Field(i int) []byte {
    if i < 0 || i >= len(p.Data) { return nil }
    b, _ := AsBytes(p.Data[i])
    return b
}

// AsBytes converts string-like reply values to a byte slice.
func AsBytes(v any) ([]byte, bool) {
    switch x := v.(type) {
    case []byte:
        return x, true
    case string:
        return []byte(x), true
    case SimpleString:
        return []byte(x), true
    }
    return nil, false
}

// AsString converts string-like and numeric reply values to a string.
func AsString(v any) (string, bool) {
    switch x := v.(type) {
    case string:
        return x, true
    case []byte:
        return string(x), true
    case SimpleString:
        return string(x), true
    case int64:
        return strconv.FormatInt(x, 10), true
    }
    return "", false
}

// AsInt converts integer-like reply values.
func AsInt(v any) (int64, bool) {
    switch x := v.(type) {
    case int64:
        return x, true
    case int:
        return int64(x), true
    case float64:
        return int64(x), true
    case string, []byte:
        s, _ := AsString(x)
        n, err := strconv.ParseInt(s, 10, 64)
        return n, err == nil
    }
    return 0, false
}

func errorIs(err error, code string) bool {
    var re *Error
    if !errors.As(err, &re) { return false }
    return re.Code() == code
}

func IsMoved(err error) bool    { return errorIs(err, "MOVED") }
func IsAsk(err error) bool      { return errorIs(err, "ASK") }
func IsNoscript(err error) bool { return errorIs(err, "NOSCRIPT") }

// ParseRedirect extracts the slot and target from "MOVED <slot> <host>:<port>"
// or "ASK <slot> <host>:<port>". Host may be empty when the server does not
// know its own endpoint.
func ParseRedirect(msg string) (slot int, host string, port int, err error) {
    fields := strings.Fields(msg)
    if len(fields) != 3 || (fields[0] != "MOVED" && fields[0] != "ASK") {
        return 0, "", 0, fmt.Errorf("%w: %q", ErrNotRedirect, msg)
    }
    slot, err = strconv.Atoi(fields[1])
    if err != nil { return 0, "", 0, fmt.Errorf("%w: %q", ErrNotRedirect, msg) }
    addr := fields[2]
    i := strings.LastIndexByte(addr, ':')
    if i < 0 { return 0, "", 0, fmt.Errorf("%w: %q", ErrNotRedirect, msg) }
    port, err = strconv.Atoi(addr[i+1:])
    if err != nil { return 0, "", 0, fmt.Errorf("%w: %q", ErrNotRedirect, msg) }
    host = strings.TrimSuffix(strings.TrimPrefix(addr[:i], "["), "]")
    return slot, host, port, nil
}
