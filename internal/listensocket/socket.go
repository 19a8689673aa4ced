// Package listensocket implements the bound-listener container: a set of
// TCP listeners that can be reconfigured in place (keeping identity for
// ports that persist across a reconfigure) and polled for incoming
// connections without holding a lock across the poll.
package listensocket

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// Config describes one socket to bind.
type Config struct {
	Bind    string // empty = all interfaces
	Port    int
	TLS     bool
	TLSConf *tls.Config
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c Config) key() string { return c.addr() }

// Socket is one bound listener: ref-counted so a reconfigure that keeps a
// port alive doesn't have to tear down and rebind it.
type Socket struct {
	mu       sync.RWMutex
	refcount int32
	cfg      Config
	ln       net.Listener
	bound    bool
}

func newSocket(cfg Config) *Socket {
	return &Socket{cfg: cfg, refcount: 1}
}

func (s *Socket) Addref() *Socket {
	atomic.AddInt32(&s.refcount, 1)
	return s
}

// Release unbinds and closes the listener on the last release.
func (s *Socket) Release() {
	if atomic.AddInt32(&s.refcount, -1) > 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound && s.ln != nil {
		_ = s.ln.Close()
		s.bound = false
	}
}

// Bind opens the OS listener for s's configuration. Go's netpoller makes
// the source's explicit non-blocking flag unnecessary: every net.Listener
// accepted connection is already non-blocking under the runtime's I/O
// poller. No send-buffer size is set; Config has no field for one.
func (s *Socket) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return fmt.Errorf("listensocket: bind %s: %w", s.cfg.addr(), err)
	}
	if s.cfg.TLS {
		if s.cfg.TLSConf == nil {
			_ = ln.Close()
			return fmt.Errorf("listensocket: %s configured for TLS with no certificate", s.cfg.addr())
		}
		ln = tls.NewListener(ln, s.cfg.TLSConf)
	}
	s.ln = ln
	s.bound = true
	return nil
}

func (s *Socket) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound && s.ln != nil {
		_ = s.ln.Close()
	}
	s.bound = false
	s.ln = nil
}

func (s *Socket) Listener() net.Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ln
}

func (s *Socket) Bound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

func (s *Socket) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// applyUpdate installs cfg as s's new configuration, preserving s's
// identity (refcount, and the *Socket value itself) across the update.
// If s is already bound and the new config would bind differently (TLS
// mode changed), the stale listener is closed so the container's next
// Setup call rebinds it under the new config; a bind-affecting attribute
// never takes effect on an already-open listener in place.
func (s *Socket) applyUpdate(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rebind := s.bound && s.cfg.TLS != cfg.TLS
	s.cfg = cfg
	if rebind {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.bound = false
		s.ln = nil
	}
}

// normalizeRemoteAddr strips an IPv4-in-IPv6 mapping ("::ffff:1.2.3.4")
// down to its plain IPv4 form. It is applied only to the remote address
// in the dropped-connection log line; Accepted.Conn keeps the address the
// kernel reported.
func normalizeRemoteAddr(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if v4 := tcpAddr.IP.To4(); v4 != nil {
		return (&net.TCPAddr{IP: v4, Port: tcpAddr.Port}).String()
	}
	return tcpAddr.String()
}
