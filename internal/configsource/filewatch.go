// Package configsource supplies the two config sources that can drive a
// listensocket.Container's ConfigureAndSetup: a watched local JSON file
// (the default) and a Kubernetes ConfigMap (the alternate, see
// k8swatch.go).
package configsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rjsadow/icecore/internal/listensocket"
)

// FileSpec is the on-disk JSON shape a watched config file carries.
type FileSpec struct {
	Listeners []ListenerSpec `json:"listeners"`
}

type ListenerSpec struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

func (spec FileSpec) toSocketConfigs() []listensocket.Config {
	out := make([]listensocket.Config, 0, len(spec.Listeners))
	for _, l := range spec.Listeners {
		out = append(out, listensocket.Config{Bind: l.Bind, Port: l.Port, TLS: l.TLS})
	}
	return out
}

// FileWatcher polls path on a fixed interval and calls
// container.ConfigureAndSetup whenever its modification time advances; a
// content change that leaves the mtime unchanged is not detected.
type FileWatcher struct {
	path      string
	container *listensocket.Container
	interval  time.Duration
	log       *slog.Logger

	lastMod  time.Time
	stop     chan struct{}
	done     chan struct{}
}

func NewFileWatcher(path string, container *listensocket.Container, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		path:      path,
		container: container,
		interval:  2 * time.Second,
		log:       logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// LoadOnce reads path immediately and applies it, returning any error
// synchronously (used at startup before the watch loop begins).
func (w *FileWatcher) LoadOnce(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("configsource: stat %s: %w", w.path, err)
	}
	if err := w.applyFrom(w.path); err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	return nil
}

// Start begins the polling loop; call LoadOnce first for a synchronous
// initial apply.
func (w *FileWatcher) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.poll()
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *FileWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *FileWatcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("configsource: stat failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	if err := w.applyFrom(w.path); err != nil {
		w.log.Error("configsource: reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.lastMod = info.ModTime()
}

func (w *FileWatcher) applyFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("configsource: read %s: %w", path, err)
	}
	var spec FileSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("configsource: parse %s: %w", path, err)
	}
	return w.container.ConfigureAndSetup(spec.toSocketConfigs())
}
