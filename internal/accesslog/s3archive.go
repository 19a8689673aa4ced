// Package accesslog batches access-log lines produced at client destroy
// time and periodically archives them to S3, rather than leaving them
// only in the local structured log stream.
package accesslog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Entry is one access-log record.
type Entry struct {
	Time   time.Time
	Method string
	Path   string
	Status int
	Role   string
	Remote string
}

func (e Entry) line() string {
	return fmt.Sprintf("%s %s %q %d %s %s\n", e.Time.UTC().Format(time.RFC3339), e.Remote, e.Path, e.Status, e.Role, e.Method)
}

// Archiver batches Entry writes in memory and flushes them to an S3
// object on a fixed interval or when the batch grows past a size bound.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	log    *slog.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	pending int

	flushEvery time.Duration
	maxPending int

	stop chan struct{}
	done chan struct{}
}

// NewArchiver loads the default AWS credential chain and config, and
// returns an Archiver ready to Start.
func NewArchiver(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("accesslog: load aws config: %w", err)
	}
	return &Archiver{
		client:     s3.NewFromConfig(cfg),
		bucket:     bucket,
		prefix:     prefix,
		log:        logger,
		flushEvery: 30 * time.Second,
		maxPending: 1000,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Write appends one entry to the pending batch, flushing immediately if
// the batch has grown past maxPending.
func (a *Archiver) Write(e Entry) {
	a.mu.Lock()
	a.buf.WriteString(e.line())
	a.pending++
	shouldFlush := a.pending >= a.maxPending
	a.mu.Unlock()
	if shouldFlush {
		a.flush(context.Background())
	}
}

// Start runs the periodic flush loop until Stop is called.
func (a *Archiver) Start() {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush(context.Background())
			case <-a.stop:
				a.flush(context.Background())
				return
			}
		}
	}()
}

func (a *Archiver) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Archiver) flush(ctx context.Context) {
	a.mu.Lock()
	if a.pending == 0 {
		a.mu.Unlock()
		return
	}
	body := append([]byte(nil), a.buf.Bytes()...)
	a.buf.Reset()
	a.pending = 0
	a.mu.Unlock()

	key := fmt.Sprintf("%s/%s.log", a.prefix, time.Now().UTC().Format("20060102T150405.000000000"))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		a.log.Error("accesslog: s3 upload failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
