package listensocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

var ErrClosed = errors.New("listensocket: container closed")

// Accepted is one accepted connection plus which bound socket produced it.
type Accepted struct {
	Conn   net.Conn
	Config Config
}

// Container holds the full set of currently-configured listen sockets and
// fans their accepted connections into one channel. Configure/Setup are
// safe to call concurrently with Accept.
type Container struct {
	mu      sync.RWMutex
	sockets map[string]*Socket
	conns   chan Accepted
	closed  bool
	log     *slog.Logger
}

func New(logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		sockets: make(map[string]*Socket),
		conns:   make(chan Accepted, 16),
		log:     logger,
	}
}

// Configure reconciles the container's socket set against cfgs: sockets
// whose key (bind address + port) survives keep their identity (the same
// *Socket value, not a replacement) and pick up cfg's other attributes
// (TLS mode and certificate) via applyUpdate; sockets absent from
// cfgs are released; new entries are added unbound. The container lock is
// held only long enough to snapshot and swap the map — binding, unbinding,
// and per-socket config updates all happen after it is released, so a slow
// bind or listener rebuild never stalls another Configure or Accept caller.
func (c *Container) Configure(cfgs []Config) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	desired := make(map[string]Config, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.key()] = cfg
	}

	var toRelease []*Socket
	kept := make(map[string]*Socket, len(desired))
	for key, sock := range c.sockets {
		if _, ok := desired[key]; ok {
			kept[key] = sock
		} else {
			toRelease = append(toRelease, sock)
		}
	}
	var toAdd []Config
	for key, cfg := range desired {
		if _, ok := kept[key]; !ok {
			toAdd = append(toAdd, cfg)
		}
	}
	c.sockets = kept
	c.mu.Unlock()

	for key, sock := range kept {
		sock.applyUpdate(desired[key])
	}

	for _, sock := range toRelease {
		sock.Unbind()
		sock.Release()
	}

	c.mu.Lock()
	for _, cfg := range toAdd {
		c.sockets[cfg.key()] = newSocket(cfg)
	}
	c.mu.Unlock()
	return nil
}

// Setup binds every currently-unbound socket and starts its accept
// goroutine.
func (c *Container) Setup() error {
	c.mu.RLock()
	snapshot := make([]*Socket, 0, len(c.sockets))
	for _, sock := range c.sockets {
		snapshot = append(snapshot, sock)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, sock := range snapshot {
		if sock.Bound() {
			continue
		}
		if err := sock.Bind(); err != nil {
			c.log.Error("listensocket: bind failed", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		go c.acceptLoop(sock)
	}
	return firstErr
}

// ConfigureAndSetup is the combined reconfigure entry point a config
// source drives: Configure then Setup in one call.
func (c *Container) ConfigureAndSetup(cfgs []Config) error {
	if err := c.Configure(cfgs); err != nil {
		return err
	}
	return c.Setup()
}

func (c *Container) acceptLoop(sock *Socket) {
	for {
		ln := sock.Listener()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if !sock.Bound() {
				return // reconfigure/shutdown closed this listener deliberately
			}
			c.log.Warn("listensocket: accept error", slog.String("addr", sock.Config().addr()), slog.String("error", err.Error()))
			return
		}
		select {
		case c.conns <- Accepted{Conn: conn, Config: sock.Config()}:
		default:
			c.log.Warn("listensocket: accept backlog full, dropping connection", slog.String("remote", normalizeRemoteAddr(conn.RemoteAddr())))
			_ = conn.Close()
		}
	}
}

// Accept blocks until a connection is available, the context is
// cancelled, or the container is closed.
func (c *Container) Accept(ctx context.Context) (Accepted, error) {
	select {
	case a, ok := <-c.conns:
		if !ok {
			return Accepted{}, ErrClosed
		}
		return a, nil
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	}
}

// Close releases every bound socket and stops accepting.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := c.sockets
	c.sockets = nil
	c.mu.Unlock()

	var firstErr error
	for _, sock := range sockets {
		sock.Unbind()
		sock.Release()
	}
	close(c.conns)
	if firstErr != nil {
		return fmt.Errorf("listensocket: close: %w", firstErr)
	}
	return nil
}

// Sockets returns an addref'd snapshot of the currently configured
// sockets, keyed by address. Callers must Release each entry when done.
func (c *Container) Sockets() map[string]*Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Socket, len(c.sockets))
	for k, s := range c.sockets {
		out[k] = s.Addref()
	}
	return out
}
