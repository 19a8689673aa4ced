// Package client implements the client lifecycle: creation, the
// keep-alive/TLS-upgrade reuse path, destruction (including the
// asynchronous auth-release hand-off), and the canned response builders.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rjsadow/icecore/internal/auth"
)

// ErrClientAllocFailed is returned instead of aborting the process: Go's
// allocator failure mode isn't a recoverable error value, so this exists
// only for the conn == nil guard below, mirroring the source's
// client_create failure contract without its abort-on-OOM behavior.
var ErrClientAllocFailed = errors.New("client: allocation failed")

// ReuseDisposition is the client's post-response directive.
type ReuseDisposition int

const (
	Close ReuseDisposition = iota
	KeepAlive
	UpgradeTLS
)

// GlobalCounter tracks the server-wide client count under a single lock,
// mirroring the source's global client count + global lock.
type GlobalCounter struct {
	mu    sync.Mutex
	count int64
	limit int64
}

func NewGlobalCounter(limit int64) *GlobalCounter {
	return &GlobalCounter{limit: limit}
}

// Inc increments the counter and reports whether the new value exceeds the
// configured limit. The caller still gets to keep whatever it is building.
func (g *GlobalCounter) Inc() (exceeded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	return g.limit > 0 && g.count > g.limit
}

func (g *GlobalCounter) Dec() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		g.count--
	}
}

func (g *GlobalCounter) Count() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Client is one accepted, (optionally) authenticated connection.
type Client struct {
	mu sync.Mutex

	conn    net.Conn
	request *http.Request
	refbuf  *RefBuf

	transferEncoding interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
	}

	username, password string
	role               string
	acl                *auth.ACL
	boundAuth          *auth.Authenticator
	boundStack         *auth.StackNode

	responseCode int
	protocol     string
	reuse        ReuseDisposition
	adminCommand string

	tlsState *tls.ConnectionState
	usesTLS  bool

	formatPrivate any
	writeErr      error

	counter *GlobalCounter
	reuseFn func(*Client)

	closed bool
	log    *slog.Logger
}

// Create allocates a client bound to conn/req, accounting it against
// counter. capExceeded is true when the global client count now exceeds
// counter's configured limit — the client is still returned and usable
// because it may only be needed to carry back an error response before
// being torn down.
func Create(conn net.Conn, req *http.Request, counter *GlobalCounter, logger *slog.Logger) (c *Client, capExceeded bool, err error) {
	if conn == nil {
		return nil, false, ErrClientAllocFailed
	}
	if logger == nil {
		logger = slog.Default()
	}
	c = &Client{
		conn:         conn,
		request:      req,
		refbuf:       NewRefBuf(0),
		protocol:     "HTTP",
		adminCommand: "ERROR",
		counter:      counter,
		log:          logger,
	}
	var exceeded bool
	if counter != nil {
		exceeded = counter.Inc()
	}
	return c, exceeded, nil
}

// SetReuseFunc wires the callback invoked with a freshly recreated client
// during the keep-alive / TLS-upgrade reuse path, typically the accept
// loop's own re-enqueue function.
func (c *Client) SetReuseFunc(fn func(*Client)) { c.reuseFn = fn }

func (c *Client) SetReuseDisposition(r ReuseDisposition) { c.reuse = r }
func (c *Client) ReuseDisposition() ReuseDisposition     { return c.reuse }

func (c *Client) SetResponseCode(code int) { c.responseCode = code }
func (c *Client) ResponseCode() int        { return c.responseCode }
func (c *Client) SetAdminCommand(cmd string) { c.adminCommand = cmd }
func (c *Client) FormatPrivate() any          { return c.formatPrivate }
func (c *Client) SetFormatPrivate(v any)      { c.formatPrivate = v }
func (c *Client) Conn() net.Conn              { return c.conn }
func (c *Client) Request() *http.Request      { return c.request }

// SetRequest rebinds c to a newly parsed request, for the reuse path
// where a fresh Client is recreated over a kept-alive connection: its
// Method/Header results are read off whatever request is currently bound,
// so the caller that reads the next request off the wire must set it
// before dispatching the fresh client through authentication again.
func (c *Client) SetRequest(req *http.Request) { c.request = req }

// --- auth.ClientHandle ---

func (c *Client) Method() string {
	if c.request == nil {
		return ""
	}
	return c.request.Method
}

func (c *Client) Header(name string) string {
	if c.request == nil {
		return ""
	}
	return c.request.Header.Get(name)
}

func (c *Client) Username() string     { return c.username }
func (c *Client) SetUsername(u string) { c.username = u }
func (c *Client) Password() string     { return c.password }
func (c *Client) SetPassword(p string) { c.password = p }

func (c *Client) Role() string     { return c.role }
func (c *Client) SetRole(r string) { c.role = r }

func (c *Client) ACL() *auth.ACL     { return c.acl }
func (c *Client) SetACL(a *auth.ACL) { c.acl = a }

func (c *Client) BoundAuthenticator() *auth.Authenticator     { return c.boundAuth }
func (c *Client) SetBoundAuthenticator(a *auth.Authenticator) { c.boundAuth = a }

func (c *Client) BoundStack() *auth.StackNode     { return c.boundStack }
func (c *Client) SetBoundStack(n *auth.StackNode) { c.boundStack = n }

// Connected probes the underlying connection with a deadline-bounded,
// zero-byte-losing read rather than assuming liveness from prior state.
// Any byte it does read is preserved in the staging buffer rather than
// discarded.
func (c *Client) Connected() bool {
	if c.closed || c.conn == nil {
		return false
	}
	if c.refbuf != nil && c.refbuf.Remaining() > 0 {
		return true
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}
	var b [1]byte
	n, err := c.conn.Read(b[:])
	_ = c.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		c.refbuf.Fill(b[:n])
	}
	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// SendBusy renders the AUTH_BUSY response for a queue-full rejection.
func (c *Client) SendBusy() {
	if err := SendErrorByID(c.conn, c.Header("Accept"), ErrAuthBusy); err != nil {
		c.log.Warn("client: failed writing AUTH_BUSY response", slog.String("error", err.Error()))
	}
	c.SetResponseCode(ErrAuthBusy.Status)
}

// --- I/O ---

func (c *Client) Read(p []byte) (int, error) {
	if c.refbuf != nil && c.refbuf.Remaining() > 0 {
		return c.refbuf.Read(p)
	}
	if c.transferEncoding != nil {
		return c.transferEncoding.Read(p)
	}
	return c.conn.Read(p)
}

func (c *Client) Write(p []byte) (int, error) {
	var n int
	var err error
	if c.transferEncoding != nil {
		n, err = c.transferEncoding.Write(p)
	} else {
		n, err = c.conn.Write(p)
	}
	if err != nil {
		c.writeErr = err
	}
	return n, err
}

// --- lifecycle ---

// Destroy tears the client down. If the reuse disposition is not Close, it
// diverts to the reuse path. Otherwise it releases the authenticator
// binding (possibly asynchronously) and, once that completes, performs the
// terminal teardown.
func (c *Client) Destroy(ctx context.Context) error {
	if c.reuse != Close {
		return c.reuseConnection(ctx)
	}
	c.refbuf = nil
	async := auth.ReleaseClient(ctx, c, func() { c.finishDestroy() })
	if async {
		return nil
	}
	c.finishDestroy()
	return nil
}

func (c *Client) finishDestroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.responseCode != 0 && c.request != nil {
		c.log.Info("access",
			slog.String("method", c.request.Method),
			slog.String("path", c.request.URL.Path),
			slog.Int("status", c.responseCode),
			slog.String("role", c.role),
		)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if closer, ok := c.formatPrivate.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if c.counter != nil {
		c.counter.Dec()
	}
	c.username, c.password, c.role = "", "", ""
	c.acl = nil
	c.boundAuth = nil
	c.boundStack = nil
	c.formatPrivate = nil
	c.closed = true
}

// reuseConnection implements the keep-alive/TLS-upgrade reuse path: steal
// the socket (and, for TLS upgrade, the TLS session state), recreate a
// fresh client over it, recursively terminal-destroy the old one, then
// hand the fresh client to the configured reuse callback (typically the
// accept loop). The fresh client carries no request until the reuse
// callback reads the next one off the wire and calls SetRequest.
func (c *Client) reuseConnection(ctx context.Context) error {
	useTLS := c.reuse == UpgradeTLS

	if useTLS {
		if err := Send101(c.conn, "TLS/1.0, HTTP/1.0"); err != nil {
			c.log.Warn("client: failed writing TLS-upgrade 101 response", slog.String("error", err.Error()))
		}
	}

	fresh := &Client{
		conn:         c.conn,
		refbuf:       NewRefBuf(0),
		protocol:     c.protocol,
		adminCommand: "ERROR",
		counter:      c.counter,
		reuseFn:      c.reuseFn,
		log:          c.log,
		usesTLS:      useTLS,
	}
	if useTLS {
		fresh.tlsState = c.tlsState
		c.tlsState = nil
	}
	// The fresh client is counted before the old one's terminal destroy
	// decrements, so the global count is unchanged across the reuse.
	if c.counter != nil {
		c.counter.Inc()
	}

	c.conn = nil
	c.tlsState = nil
	c.reuse = Close
	if err := c.Destroy(ctx); err != nil {
		return err
	}
	if c.reuseFn != nil {
		c.reuseFn(fresh)
	}
	return nil
}

// RefBuf is a refcounted I/O staging buffer: residual bytes left over
// after external parsing, consumed before any further network read.
type RefBuf struct {
	mu       sync.Mutex
	refcount int32
	data     []byte
	pos      int
}

func NewRefBuf(capHint int) *RefBuf {
	return &RefBuf{data: make([]byte, 0, capHint), refcount: 1}
}

func (r *RefBuf) Addref() *RefBuf {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.refcount++
	r.mu.Unlock()
	return r
}

func (r *RefBuf) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.refcount--
	r.mu.Unlock()
}

func (r *RefBuf) Remaining() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data) - r.pos
}

// Fill replaces the buffer's content with b, discarding any prior residue.
func (r *RefBuf) Fill(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data[:0], b...)
	r.pos = 0
}

// Read consumes from the residue, advancing pos (the memmove-equivalent:
// Go's slicing makes the forward shift implicit rather than an explicit
// copy).
func (r *RefBuf) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(p, r.data[r.pos:])
	r.pos += n
	if r.pos == len(r.data) {
		r.data = r.data[:0]
		r.pos = 0
	}
	return n, nil
}
