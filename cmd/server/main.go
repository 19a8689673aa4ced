// Command server runs the authentication and listen-socket core: it
// binds the configured listeners, authenticates each accepted connection
// against a fall-through authenticator stack, and archives access-log
// lines to S3.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rjsadow/icecore/internal/accesslog"
	"github.com/rjsadow/icecore/internal/auth"
	"github.com/rjsadow/icecore/internal/auth/backend"
	"github.com/rjsadow/icecore/internal/auth/store"
	"github.com/rjsadow/icecore/internal/client"
	"github.com/rjsadow/icecore/internal/config"
	"github.com/rjsadow/icecore/internal/configsource"
	"github.com/rjsadow/icecore/internal/listensocket"
)

func main() {
	listenJSON := flag.String("listen", "", "path to the listener config JSON file (overrides LISTEN_JSON)")
	k8sNamespace := flag.String("k8s-namespace", "", "if set, watch this namespace's ConfigMap for listener config instead of a file")
	k8sConfigMap := flag.String("k8s-configmap", "icecore-listeners", "ConfigMap name to watch when -k8s-namespace is set")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := config.MustLoad()
	if *listenJSON != "" {
		cfg.ListenJSON = *listenJSON
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *k8sNamespace, *k8sConfigMap, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, k8sNamespace, k8sConfigMap string, log *slog.Logger) error {
	credStore, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return err
	}
	defer credStore.Close()

	stack := auth.NewStack()

	htpasswd := backend.Htpasswd("members", "/stream", []string{"GET", "SOURCE"}, cfg.AuthRateLimit, cfg.AuthRateBurst, credStore, log)
	defer htpasswd.Release()
	if err := stack.Push(htpasswd); err != nil {
		return err
	}

	staticAuth, _ := backend.Static("source", "/stream", []string{"SOURCE"}, cfg.AuthRateLimit, cfg.AuthRateBurst, os.Getenv("SOURCE_PASSWORD"), []byte(cfg.AdminJWTSecret), log)
	defer staticAuth.Release()
	if err := stack.Push(staticAuth); err != nil {
		return err
	}

	anon := backend.Anonymous("anonymous", []string{"GET"}, 0, 0, log)
	defer anon.Release()
	if err := stack.Push(anon); err != nil {
		return err
	}

	var archiver *accesslog.Archiver
	if cfg.S3Bucket != "" {
		archiver, err = accesslog.NewArchiver(ctx, cfg.S3Bucket, cfg.S3Prefix, log)
		if err != nil {
			log.Warn("access-log archiver disabled", slog.String("error", err.Error()))
		} else {
			archiver.Start()
			defer archiver.Stop()
		}
	}

	container := listensocket.New(log)
	defer container.Close()

	if k8sNamespace != "" {
		watcher, err := configsource.NewK8sWatcher(k8sNamespace, k8sConfigMap, "listeners.json", log)
		if err != nil {
			return err
		}
		go func() {
			err := watcher.Watch(ctx, func(specs []configsource.ListenerSpec) error {
				cfgs := make([]listensocket.Config, 0, len(specs))
				for _, s := range specs {
					cfgs = append(cfgs, listensocket.Config{Bind: s.Bind, Port: s.Port, TLS: s.TLS})
				}
				return container.ConfigureAndSetup(cfgs)
			})
			if err != nil {
				log.Error("k8s config watch ended", slog.String("error", err.Error()))
			}
		}()
	} else {
		watcher := configsource.NewFileWatcher(cfg.ListenJSON, container, log)
		if err := watcher.LoadOnce(ctx); err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Stop()
	}

	counter := client.NewGlobalCounter(int64(cfg.ClientLimit))

	for {
		accepted, err := container.Accept(ctx)
		if err != nil {
			return err
		}
		go handleConnection(ctx, accepted, cfg, stack, counter, archiver, log)
	}
}

func handleConnection(ctx context.Context, accepted listensocket.Accepted, cfg config.Config, stack *auth.Stack, counter *client.GlobalCounter, archiver *accesslog.Archiver, log *slog.Logger) {
	conn := accepted.Conn
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		_ = client.Send500(conn)
		_ = conn.Close()
		return
	}

	if cfg.TLSRequiredMount != "" && req.URL.Path == cfg.TLSRequiredMount {
		if _, isTLS := conn.(*tls.Conn); !isTLS {
			_ = client.Send426(conn, "TLS/1.0, HTTP/1.0")
			_ = conn.Close()
			return
		}
	}

	if cfg.StatsMount != "" && req.URL.Path == cfg.StatsMount {
		serveStats(conn, req, log)
		return
	}

	c, capExceeded, err := client.Create(conn, req, counter, log)
	if err != nil {
		_ = client.Send500(conn)
		_ = conn.Close()
		return
	}
	if capExceeded {
		if archiver != nil {
			archiver.Write(accesslog.Entry{Time: time.Now(), Method: req.Method, Path: req.URL.Path, Status: 503, Remote: conn.RemoteAddr().String()})
		}
		_ = client.SendErrorByID(conn, req.Header.Get("Accept"), client.ErrAuthBusy)
		_ = conn.Close()
		return
	}
	c.SetReuseFunc(func(fresh *client.Client) {
		go func() {
			req, err := http.ReadRequest(bufio.NewReader(fresh.Conn()))
			if err != nil {
				_ = fresh.Conn().Close()
				return
			}
			fresh.SetRequest(req)
			serveAuthenticated(ctx, fresh, stack, archiver, log)
		}()
	})

	serveAuthenticated(ctx, c, stack, archiver, log)
}

// serveStats upgrades conn to a websocket and pushes a live goroutine-count
// snapshot every second until the peer disconnects — the one live-metrics
// mount the websocket dependency exists to serve.
func serveStats(conn net.Conn, req *http.Request, log *slog.Logger) {
	ws, err := client.UpgradeStats(conn, req)
	if err != nil {
		_ = client.SendErrorByID(conn, req.Header.Get("Accept"), client.ErrForbidden)
		_ = conn.Close()
		return
	}
	defer ws.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := client.PushJSON(ws, map[string]any{"goroutines": runtime.NumGoroutine()}); err != nil {
			log.Debug("stats: push failed, closing", slog.String("error", err.Error()))
			return
		}
	}
}

func serveAuthenticated(ctx context.Context, c *client.Client, stack *auth.Stack, archiver *accesslog.Archiver, log *slog.Logger) {
	done := make(chan struct{})
	auth.WalkStack(ctx, c, stack.Head(), func(handle auth.ClientHandle, _ any, result auth.Result) {
		defer close(done)
		switch result {
		case auth.OK:
			c.SetResponseCode(200)
		case auth.Forbidden:
			_ = client.SendErrorByID(c.Conn(), c.Header("Accept"), client.ErrForbidden)
			c.SetResponseCode(client.ErrForbidden.Status)
		default:
			_ = client.SendErrorByID(c.Conn(), c.Header("Accept"), client.ErrAuthFailed)
			c.SetResponseCode(client.ErrAuthFailed.Status)
		}
	}, nil)
	<-done

	if archiver != nil {
		archiver.Write(accesslog.Entry{
			Time:   time.Now(),
			Method: c.Method(),
			Status: c.ResponseCode(),
			Role:   c.Role(),
			Remote: c.Conn().RemoteAddr().String(),
		})
	}

	if err := c.Destroy(ctx); err != nil {
		log.Error("client destroy failed", slog.String("error", err.Error()))
	}
}
