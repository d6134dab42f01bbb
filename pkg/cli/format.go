package cli

import (
    "fmt"
    "math/big"
    "sort"
    "strconv"
    "strings"

    "github.com/amirimatin/go-kvcluster/pkg/resp"
)

// Format renders a reply the way interactive clients usually do: numbered
// aggregates, quoted strings, typed scalars.
func Format(v any) string {
    var b strings.Builder
    format(&b, v, "")
    return b.String()
}

func format(b *strings.Builder, v any, indent string) {
    switch x := v.(type) {
    case nil:
        b.WriteString("(nil)")
    case string:
        b.WriteString(strconv.Quote(x))
    case []byte:
        b.WriteString(strconv.Quote(string(x)))
    case resp.SimpleString:
        b.WriteString(string(x))
    case int64:
        fmt.Fprintf(b, "(integer) %d", x)
    case int:
        fmt.Fprintf(b, "(integer) %d", x)
    case float64:
        fmt.Fprintf(b, "(double) %s", strconv.FormatFloat(x, 'g', -1, 64))
    case bool:
        fmt.Fprintf(b, "(boolean) %t", x)
    case *big.Int:
        fmt.Fprintf(b, "(big number) %s", x)
    case *resp.Error:
        fmt.Fprintf(b, "(error) %s", x.Msg)
    case []any:
        if len(x) == 0 {
            b.WriteString("(empty array)")
            return
        }
        w := len(strconv.Itoa(len(x)))
        for i, e := range x {
            if i > 0 { b.WriteString("\n" + indent) }
            label := fmt.Sprintf("%*d) ", w, i+1)
            b.WriteString(label)
            format(b, e, indent+strings.Repeat(" ", len(label)))
        }
    case map[string]any:
        if len(x) == 0 {
            b.WriteString("(empty map)")
            return
        }
        keys := make([]string, 0, len(x))
        for k := range x { keys = append(keys, k) }
        sort.Strings(keys)
        for i, k := range keys {
            if i > 0 { b.WriteString("\n" + indent) }
            label := strconv.Quote(k) + " => "
            b.WriteString(label)
            format(b, x[k], indent+strings.Repeat(" ", len(label)))
        }
    default:
        fmt.Fprintf(b, "%v", x)
    }
}
