// Package fakeserver is an in-process RESP3 server for tests and demos. It
// implements a small command subset and can run standalone or as one node of
// a slot-sharded cluster, over the in-memory transport or over TCP.
package fakeserver

import (
    "errors"
    "fmt"
    "net"
    "path"
    "strconv"
    "strings"
    "sync"

    "github.com/amirimatin/go-kvcluster/pkg/resp"
    "github.com/amirimatin/go-kvcluster/pkg/scripts"
    "github.com/amirimatin/go-kvcluster/pkg/slots"
    "github.com/amirimatin/go-kvcluster/pkg/transport/mem"
)

var okReply = resp.SimpleString("OK")

// frames is a reply written as several consecutive frames.
type frames []any

// NoReply makes a hook swallow the command without answering.
var NoReply any = frames{}

// HookFunc can take over a command before the built-in handlers run.
type HookFunc func(s *Session, args []string) (reply any, handled bool)

// Node is one fake server.
type Node struct {
    ID       string
    Host     string
    Port     int
    Password string

    mu       sync.Mutex
    cluster  *Cluster
    replica  bool
    data     map[string]string
    scripts  map[string]string
    sessions map[*Session]struct{}
    counts   map[string]int
    hook     HookFunc
    down     bool
    nextID   int64
}

func NewNode(id, host string, port int) *Node {
    return &Node{
        ID:       id,
        Host:     host,
        Port:     port,
        data:     make(map[string]string),
        scripts:  make(map[string]string),
        sessions: make(map[*Session]struct{}),
        counts:   make(map[string]int),
    }
}

func (n *Node) Addr() string { return net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) }

func (n *Node) SetHook(h HookFunc) {
    n.mu.Lock()
    n.hook = h
    n.mu.Unlock()
}

// SetDown makes the node refuse new in-memory connections.
func (n *Node) SetDown(down bool) {
    n.mu.Lock()
    n.down = down
    n.mu.Unlock()
}

// Count returns how often cmd (upper case) was received.
func (n *Node) Count(cmd string) int {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.counts[cmd]
}

func (n *Node) Get(key string) (string, bool) {
    n.mu.Lock()
    defer n.mu.Unlock()
    v, ok := n.data[key]
    return v, ok
}

func (n *Node) FlushScripts() {
    n.mu.Lock()
    n.scripts = make(map[string]string)
    n.mu.Unlock()
}

// Sessions returns the number of open connections.
func (n *Node) Sessions() int {
    n.mu.Lock()
    defer n.mu.Unlock()
    return len(n.sessions)
}

// DropAll closes every open connection from the server side.
func (n *Node) DropAll() {
    n.mu.Lock()
    ss := make([]*Session, 0, len(n.sessions))
    for s := range n.sessions { ss = append(ss, s) }
    n.mu.Unlock()
    for _, s := range ss { s.Close() }
}

// Accept implements mem.Listener.
func (n *Node) Accept(c *mem.Conn) error {
    n.mu.Lock()
    down := n.down
    n.mu.Unlock()
    if down { return mem.ErrRefused }
    s := n.open(c.Send, c.Close)
    c.OnReceive(s.Feed)
    c.OnClose(func() { n.forget(s) })
    return nil
}

// Serve accepts TCP connections until ln is closed.
func (n *Node) Serve(ln net.Listener) error {
    for {
        conn, err := ln.Accept()
        if err != nil {
            if errors.Is(err, net.ErrClosed) { return nil }
            return err
        }
        go n.serveConn(conn)
    }
}

func (n *Node) serveConn(conn net.Conn) {
    var wmu sync.Mutex
    send := func(p []byte) error {
        wmu.Lock()
        defer wmu.Unlock()
        _, err := conn.Write(p)
        return err
    }
    s := n.open(send, func() { _ = conn.Close() })
    defer s.Close()
    buf := make([]byte, 16*1024)
    for {
        k, err := conn.Read(buf)
        if k > 0 { s.Feed(append([]byte(nil), buf[:k]...)) }
        if err != nil { return }
    }
}

func (n *Node) open(send func([]byte) error, closeFn func()) *Session {
    n.mu.Lock()
    n.nextID++
    s := &Session{
        node:   n,
        id:     n.nextID,
        send:   send,
        close:  closeFn,
        dec:    resp.NewDecoder(),
        authed: n.Password == "",
        subs:   map[string]bool{},
        psubs:  map[string]bool{},
        ssubs:  map[string]bool{},
    }
    n.sessions[s] = struct{}{}
    n.mu.Unlock()
    return s
}

func (n *Node) forget(s *Session) {
    n.mu.Lock()
    delete(n.sessions, s)
    n.mu.Unlock()
}

// Session is one client connection.
type Session struct {
    node  *Node
    id    int64
    send  func([]byte) error
    close func()

    mu       sync.Mutex
    dec      *resp.Decoder
    authed   bool
    asking   bool
    readonly bool
    subs     map[string]bool
    psubs    map[string]bool
    ssubs    map[string]bool
}

// Feed hands bytes received from the client to the session.
func (s *Session) Feed(p []byte) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.dec.Push(p)
    for {
        v, ok, err := s.dec.Read()
        if err != nil {
            _ = s.write(&resp.Error{Msg: "ERR Protocol error"})
            return
        }
        if !ok { return }
        args := toStrings(v)
        if len(args) == 0 { continue }
        reply := s.node.exec(s, args)
        if fs, isFrames := reply.(frames); isFrames {
            for _, f := range fs { _ = s.write(f) }
            continue
        }
        _ = s.write(reply)
    }
}

// Write sends an arbitrary frame to the client, e.g. an unsolicited push.
func (s *Session) Write(v any) error { return s.write(v) }

// WriteRaw sends p unframed.
func (s *Session) WriteRaw(p []byte) error { return s.send(p) }

// write drops the session once the client side is gone.
func (s *Session) write(v any) error {
    enc := resp.NewEncoder()
    if err := enc.Write(v); err != nil {
        _ = enc.Write(&resp.Error{Msg: "ERR " + err.Error()})
    }
    err := s.send(enc.Flush())
    if err != nil { s.node.forget(s) }
    return err
}

func (s *Session) Close() {
    s.node.forget(s)
    s.close()
}

func (s *Session) ID() int64 { return s.id }

func toStrings(v any) []string {
    items, isArr := v.([]any)
    if !isArr { return nil }
    out := make([]string, 0, len(items))
    for _, it := range items {
        str, _ := resp.AsString(it)
        out = append(out, str)
    }
    return out
}

func errorf(format string, args ...any) *resp.Error {
    return &resp.Error{Msg: fmt.Sprintf(format, args...)}
}

func wrongArgs(cmd string) *resp.Error {
    return errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd))
}

func (n *Node) exec(s *Session, args []string) any {
    cmd := strings.ToUpper(args[0])
    n.mu.Lock()
    n.counts[cmd]++
    hook := n.hook
    n.mu.Unlock()
    if hook != nil {
        if r, handled := hook(s, args); handled { return r }
    }
    asking := s.asking
    s.asking = false
    if !s.authed && cmd != "HELLO" && cmd != "AUTH" {
        return errorf("NOAUTH Authentication required.")
    }

    switch cmd {
    case "HELLO":
        return n.hello(s, args)
    case "PING":
        if len(args) > 1 { return args[1] }
        return resp.SimpleString("PONG")
    case "ECHO":
        if len(args) != 2 { return wrongArgs(cmd) }
        return args[1]
    case "ASKING":
        s.asking = true
        return okReply
    case "READONLY":
        s.readonly = true
        return okReply
    case "READWRITE":
        s.readonly = false
        return okReply
    case "GET":
        if len(args) != 2 { return wrongArgs(cmd) }
        if r := n.route(s, args[1], false, asking); r != nil { return r }
        n.mu.Lock()
        defer n.mu.Unlock()
        if v, found := n.data[args[1]]; found { return v }
        return nil
    case "SET":
        if len(args) < 3 { return wrongArgs(cmd) }
        if r := n.route(s, args[1], true, asking); r != nil { return r }
        n.mu.Lock()
        n.data[args[1]] = args[2]
        n.mu.Unlock()
        return okReply
    case "DEL":
        if len(args) < 2 { return wrongArgs(cmd) }
        if r := n.route(s, args[1], true, asking); r != nil { return r }
        n.mu.Lock()
        defer n.mu.Unlock()
        removed := 0
        for _, k := range args[1:] {
            if _, found := n.data[k]; found {
                delete(n.data, k)
                removed++
            }
        }
        return removed
    case "INCR":
        if len(args) != 2 { return wrongArgs(cmd) }
        if r := n.route(s, args[1], true, asking); r != nil { return r }
        n.mu.Lock()
        defer n.mu.Unlock()
        cur, _ := strconv.ParseInt(n.data[args[1]], 10, 64)
        cur++
        n.data[args[1]] = strconv.FormatInt(cur, 10)
        return cur
    case "CLUSTER":
        return n.clusterCmd(args)
    case "SCRIPT":
        return n.scriptCmd(args)
    case "EVALSHA":
        return n.evalsha(s, args, asking)
    case "SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE":
        return n.subscribe(s, cmd, args[1:])
    case "UNSUBSCRIBE", "PUNSUBSCRIBE", "SUNSUBSCRIBE":
        return n.unsubscribe(s, cmd, args[1:])
    case "PUBLISH":
        if len(args) != 3 { return wrongArgs(cmd) }
        return n.publish(args[1], args[2])
    case "SPUBLISH":
        if len(args) != 3 { return wrongArgs(cmd) }
        if r := n.route(s, args[1], true, asking); r != nil { return r }
        return n.spublish(args[1], args[2])
    }
    return errorf("ERR unknown command '%s'", args[0])
}

func (n *Node) hello(s *Session, args []string) any {
    proto := 2
    if len(args) > 1 {
        p, err := strconv.Atoi(args[1])
        if err != nil || (p != 2 && p != 3) { return errorf("NOPROTO unsupported protocol version") }
        proto = p
    }
    for i := 2; i < len(args); i++ {
        if strings.ToUpper(args[i]) == "AUTH" && i+2 < len(args) {
            if args[i+2] != n.Password {
                return errorf("WRONGPASS invalid username-password pair or user is disabled.")
            }
            s.authed = true
            i += 2
        }
    }
    if !s.authed {
        return errorf("NOAUTH HELLO must be called with the client already authenticated, otherwise the HELLO <proto> AUTH <user> <pass> option can be used to authenticate the client and select the RESP protocol version at the same time")
    }
    n.mu.Lock()
    mode, role := "standalone", "master"
    if n.cluster != nil { mode = "cluster" }
    if n.replica { role = "replica" }
    n.mu.Unlock()
    return map[string]any{
        "server":  "fakeserver",
        "version": "7.2.0",
        "proto":   proto,
        "id":      s.id,
        "mode":    mode,
        "role":    role,
        "modules": []any{},
    }
}

// route answers with a redirect when the key's slot is served elsewhere.
func (n *Node) route(s *Session, key string, write, asking bool) any {
    n.mu.Lock()
    c := n.cluster
    n.mu.Unlock()
    if c == nil { return nil }
    return c.route(n, s, slots.OfString(key), write, asking)
}

func (n *Node) clusterCmd(args []string) any {
    if len(args) < 2 { return wrongArgs("cluster") }
    n.mu.Lock()
    c := n.cluster
    n.mu.Unlock()
    if c == nil { return errorf("ERR This instance has cluster support disabled") }
    switch strings.ToUpper(args[1]) {
    case "MYID":
        return n.ID
    case "SHARDS":
        return c.shardsReply()
    case "KEYSLOT":
        if len(args) != 3 { return wrongArgs("cluster|keyslot") }
        return slots.OfString(args[2])
    }
    return errorf("ERR unknown subcommand '%s'", args[1])
}

func (n *Node) scriptCmd(args []string) any {
    if len(args) < 2 { return wrongArgs("script") }
    switch strings.ToUpper(args[1]) {
    case "LOAD":
        if len(args) != 3 { return wrongArgs("script|load") }
        sha := scripts.Digest(args[2])
        n.mu.Lock()
        n.scripts[sha] = args[2]
        n.mu.Unlock()
        return sha
    case "FLUSH":
        n.FlushScripts()
        return okReply
    case "EXISTS":
        n.mu.Lock()
        defer n.mu.Unlock()
        out := make([]any, 0, len(args)-2)
        for _, sha := range args[2:] {
            _, found := n.scripts[strings.ToLower(sha)]
            if found { out = append(out, 1) } else { out = append(out, 0) }
        }
        return out
    }
    return errorf("ERR unknown subcommand '%s'", args[1])
}

// evalsha does not interpret scripts: a known script replies with its keys
// followed by its arguments.
func (n *Node) evalsha(s *Session, args []string, asking bool) any {
    if len(args) < 3 { return wrongArgs("evalsha") }
    numkeys, err := strconv.Atoi(args[2])
    if err != nil || numkeys < 0 || 3+numkeys > len(args) {
        return errorf("ERR Number of keys can't be greater than number of args")
    }
    if numkeys > 0 {
        if r := n.route(s, args[3], true, asking); r != nil { return r }
    }
    n.mu.Lock()
    _, found := n.scripts[strings.ToLower(args[1])]
    n.mu.Unlock()
    if !found { return errorf("NOSCRIPT No matching script. Please use EVAL.") }
    out := make([]any, 0, len(args)-3)
    for _, a := range args[3:] { out = append(out, a) }
    return out
}

func (s *Session) registry(cmd string) map[string]bool {
    switch cmd {
    case "PSUBSCRIBE", "PUNSUBSCRIBE":
        return s.psubs
    case "SSUBSCRIBE", "SUNSUBSCRIBE":
        return s.ssubs
    }
    return s.subs
}

func (s *Session) count() int { return len(s.subs) + len(s.psubs) + len(s.ssubs) }

func (n *Node) subscribe(s *Session, cmd string, keys []string) any {
    if len(keys) == 0 { return wrongArgs(cmd) }
    if cmd == "SSUBSCRIBE" {
        for _, k := range keys {
            if r := n.route(s, k, false, false); r != nil { return r }
        }
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    reg := s.registry(cmd)
    out := make(frames, 0, len(keys))
    for _, k := range keys {
        reg[k] = true
        out = append(out, resp.NewPush(strings.ToLower(cmd), k, s.count()))
    }
    return out
}

func (n *Node) unsubscribe(s *Session, cmd string, keys []string) any {
    n.mu.Lock()
    defer n.mu.Unlock()
    reg := s.registry(cmd)
    if len(keys) == 0 {
        for k := range reg { keys = append(keys, k) }
    }
    kind := strings.ToLower(cmd)
    if len(keys) == 0 { return frames{resp.NewPush(kind, nil, s.count())} }
    out := make(frames, 0, len(keys))
    for _, k := range keys {
        delete(reg, k)
        out = append(out, resp.NewPush(kind, k, s.count()))
    }
    return out
}

// deliver pushes message to the node's own subscribers and returns the number
// of receivers.
func (n *Node) deliver(channel, payload string, shard bool) int {
    n.mu.Lock()
    ss := make([]*Session, 0, len(n.sessions))
    for s := range n.sessions { ss = append(ss, s) }
    n.mu.Unlock()
    received := 0
    for _, s := range ss {
        var out []any
        n.mu.Lock()
        if shard {
            if s.ssubs[channel] { out = append(out, resp.NewPush("smessage", channel, payload)) }
        } else {
            if s.subs[channel] { out = append(out, resp.NewPush("message", channel, payload)) }
            for p := range s.psubs {
                if matched, _ := path.Match(p, channel); matched {
                    out = append(out, resp.NewPush("pmessage", p, channel, payload))
                }
            }
        }
        n.mu.Unlock()
        for _, f := range out {
            if s.write(f) == nil { received++ }
        }
    }
    return received
}

func (n *Node) publish(channel, payload string) any {
    n.mu.Lock()
    c := n.cluster
    n.mu.Unlock()
    if c == nil { return n.deliver(channel, payload, false) }
    total := 0
    for _, other := range c.Nodes() { total += other.deliver(channel, payload, false) }
    return total
}

func (n *Node) spublish(channel, payload string) any {
    n.mu.Lock()
    c := n.cluster
    n.mu.Unlock()
    if c == nil { return n.deliver(channel, payload, true) }
    total := 0
    for _, other := range c.shardOf(n) { total += other.deliver(channel, payload, true) }
    return total
}
