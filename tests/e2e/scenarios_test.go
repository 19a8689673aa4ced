package e2e

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rjsadow/icecore/internal/auth"
	"github.com/rjsadow/icecore/internal/auth/backend"
	"github.com/rjsadow/icecore/internal/client"
	"github.com/rjsadow/icecore/internal/listensocket"
)

// serveOne accepts a single connection on container, authenticates it
// against stack, and writes back the corresponding canned response —
// the same shape cmd/server's handleConnection follows, inlined here so
// the e2e suite doesn't depend on spawning the actual binary.
func serveOne(ctx context.Context, container *listensocket.Container, stack *auth.Stack, counter *client.GlobalCounter) {
	accepted, err := container.Accept(ctx)
	if err != nil {
		return
	}
	conn := accepted.Conn
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		_ = client.Send500(conn)
		_ = conn.Close()
		return
	}
	c, capExceeded, err := client.Create(conn, req, counter, nil)
	if err != nil {
		_ = client.Send500(conn)
		_ = conn.Close()
		return
	}
	if capExceeded {
		_ = client.SendErrorByID(conn, req.Header.Get("Accept"), client.ErrAuthBusy)
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	auth.WalkStack(ctx, c, stack.Head(), func(_ auth.ClientHandle, _ any, result auth.Result) {
		defer close(done)
		if result == auth.OK {
			c.SetResponseCode(200)
			_, _ = conn.Write([]byte("HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"))
		} else {
			_ = client.SendErrorByID(conn, req.Header.Get("Accept"), client.ErrAuthFailed)
			c.SetResponseCode(client.ErrAuthFailed.Status)
		}
	}, nil)
	<-done
	_ = c.Destroy(ctx)
}

func dial(addr string, method, path string) (*http.Response, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, "http://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	if err := req.Write(conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(conn), req)
}

var _ = Describe("anonymous accept", func() {
	It("grants the anonymous role to a GET with no credentials", func() {
		stack := auth.NewStack()
		anon := backend.Anonymous("anonymous", []string{"GET"}, 0, 0, nil)
		defer anon.Release()
		Expect(stack.Push(anon)).To(Succeed())

		container := listensocket.New(nil)
		defer container.Close()
		Expect(container.ConfigureAndSetup([]listensocket.Config{{Bind: "127.0.0.1", Port: 0}})).To(Succeed())

		sockets := container.Sockets()
		var addr string
		for _, s := range sockets {
			addr = s.Listener().Addr().String()
			s.Release()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		counter := client.NewGlobalCounter(0)
		go serveOne(ctx, container, stack, counter)

		resp, err := dial(addr, http.MethodGet, "/stream")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))
	})
})

var _ = Describe("credential fallthrough", func() {
	It("falls through a NoMatch authenticator to a matching one further down the stack", func() {
		stack := auth.NewStack()
		source, _ := backend.Static("source", "/stream", nil, 0, 0, "correct-horse", nil, nil)
		defer source.Release()
		Expect(stack.Push(source)).To(Succeed())
		anon := backend.Anonymous("anonymous", []string{"GET"}, 0, 0, nil)
		defer anon.Release()
		Expect(stack.Push(anon)).To(Succeed())

		container := listensocket.New(nil)
		defer container.Close()
		Expect(container.ConfigureAndSetup([]listensocket.Config{{Bind: "127.0.0.1", Port: 0}})).To(Succeed())

		sockets := container.Sockets()
		var addr string
		for _, s := range sockets {
			addr = s.Listener().Addr().String()
			s.Release()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		counter := client.NewGlobalCounter(0)
		go serveOne(ctx, container, stack, counter)

		// No Authorization header at all: the static (source) authenticator
		// requires a password and reports NoMatch, falling through to the
		// anonymous authenticator which accepts any GET.
		resp, err := dial(addr, http.MethodGet, "/stream")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))
	})
})

var _ = Describe("authentication failure", func() {
	It("rejects a method no authenticator in the stack admits", func() {
		stack := auth.NewStack()
		anon := backend.Anonymous("anonymous", []string{"GET"}, 0, 0, nil)
		defer anon.Release()
		Expect(stack.Push(anon)).To(Succeed())

		container := listensocket.New(nil)
		defer container.Close()
		Expect(container.ConfigureAndSetup([]listensocket.Config{{Bind: "127.0.0.1", Port: 0}})).To(Succeed())

		sockets := container.Sockets()
		var addr string
		for _, s := range sockets {
			addr = s.Listener().Addr().String()
			s.Release()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		counter := client.NewGlobalCounter(0)
		go serveOne(ctx, container, stack, counter)

		resp, err := dial(addr, http.MethodPost, "/stream")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(client.ErrAuthFailed.Status))
	})
})
