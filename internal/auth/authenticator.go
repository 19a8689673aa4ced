package auth

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultQueueLimit is the fixed admission bound from the source: once an
// authenticator has this many items pending, further AddClient calls are
// rejected with AUTH_BUSY rather than queued.
const DefaultQueueLimit = 100

// idleWake records the source's 150 ms idle-poll interval. The worker does
// not use it: it blocks on a condition variable and wakes as soon as an
// item is enqueued.
const idleWake = 150 * time.Millisecond

var (
	idMu   sync.Mutex
	nextID uint64
)

func nextAuthID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	nextID++
	return nextID
}

type workItem struct {
	client    ClientHandle
	process   AuthenticateFunc
	onNoMatch OnNoMatchFunc
	onResult  OnResultFunc
	userdata  any
	release   bool // logout item: dispatched even if the client looks disconnected
	next      *workItem
}

// Authenticator is one configured auth method: a capability vector, a
// bound ACL, optional backend hooks, and (unless immediate) a dedicated
// worker goroutine draining a FIFO queue.
type Authenticator struct {
	id            uint64
	Role          string
	Type          string
	Mount         string
	ManagementURL string

	Authenticate  AuthenticateFunc
	ReleaseHook   ReleaseClientFunc
	FreeHook      func()
	AddUserHook   func(ctx context.Context, username, password string) Result
	DeleteUserHook func(ctx context.Context, username string) Result
	ListUserHook  func(ctx context.Context) ([]string, Result)

	acl        *ACL
	capability capabilityVector
	queueLimit int
	immediate  bool
	limiter    *rate.Limiter
	log        *slog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	head, tail   *workItem
	pendingCount int
	running      bool
	refcount     int32
	wg           sync.WaitGroup
}

// Config describes how to build one Authenticator.
type Config struct {
	Role          string
	Type          string
	Mount         string
	ManagementURL string
	Methods       []string
	Immediate     bool
	QueueLimit    int // 0 => DefaultQueueLimit
	ACL           *ACL
	RateLimit     rate.Limit // 0 disables the admission limiter
	RateBurst     int
	Logger        *slog.Logger
}

// New constructs an Authenticator with refcount 1 and, unless Immediate,
// starts its worker goroutine.
func New(cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.QueueLimit
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	a := &Authenticator{
		id:            nextAuthID(),
		Role:          cfg.Role,
		Type:          cfg.Type,
		Mount:         cfg.Mount,
		ManagementURL: cfg.ManagementURL,
		acl:           cfg.ACL,
		capability:    newCapabilityVector(cfg.Methods),
		queueLimit:    limit,
		immediate:     cfg.Immediate,
		log:           logger,
		refcount:      1,
	}
	a.cond = sync.NewCond(&a.mu)
	if a.ManagementURL == "" {
		a.ManagementURL = defaultManagementURL(a.id)
	}
	if cfg.RateLimit > 0 {
		a.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	if !a.immediate {
		a.running = true
		a.wg.Add(1)
		go a.runWorker()
	}
	return a
}

func defaultManagementURL(id uint64) string {
	return "/auth/" + itoa(id)
}

func itoa(id uint64) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}

func (a *Authenticator) ID() uint64 { return a.id }

func (a *Authenticator) ACL() *ACL { return a.acl }

func (a *Authenticator) methodAllowed(method string) bool {
	return a.capability.allows(method)
}

// Addref increments the authenticator's refcount and returns it, mirroring
// auth_addref.
func (a *Authenticator) Addref() *Authenticator {
	atomic.AddInt32(&a.refcount, 1)
	return a
}

// Release decrements the refcount; on the last release it joins the
// worker (if any), invokes the plugged free hook, then releases the ACL —
// in that order, matching auth_release's documented sequencing.
func (a *Authenticator) Release() {
	if atomic.AddInt32(&a.refcount, -1) > 0 {
		return
	}
	a.mu.Lock()
	wasRunning := a.running
	a.running = false
	a.cond.Broadcast()
	a.mu.Unlock()
	if wasRunning {
		a.wg.Wait()
	}
	if a.FreeHook != nil {
		a.FreeHook()
	}
	a.acl.Release()
}

// enqueue appends an item to the FIFO. Under immediate mode the item is
// processed synchronously on the caller instead of being queued.
func (a *Authenticator) enqueue(ctx context.Context, item *workItem) {
	if a.immediate {
		a.dispatch(ctx, item)
		return
	}
	a.mu.Lock()
	if a.tail == nil {
		a.head = item
	} else {
		a.tail.next = item
	}
	a.tail = item
	a.pendingCount++
	a.cond.Signal()
	a.mu.Unlock()
}

// dequeueClient removes any still-pending item belonging to client. This
// guards the case where a client calls ReleaseClient while it still has a
// request in flight on a's queue (normally none, since ReleaseClient is a
// post-authentication logout path, but the source detaches defensively).
func (a *Authenticator) dequeueClient(client ClientHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var prev *workItem
	for item := a.head; item != nil; item = item.next {
		if item.client == client {
			if prev == nil {
				a.head = item.next
			} else {
				prev.next = item.next
			}
			if item == a.tail {
				a.tail = prev
			}
			a.pendingCount--
			return
		}
		prev = item
	}
}

func (a *Authenticator) runWorker() {
	defer a.wg.Done()
	ctx := context.Background()
	for {
		a.mu.Lock()
		for a.head == nil && a.running {
			a.cond.Wait()
		}
		if a.head == nil && !a.running {
			a.mu.Unlock()
			return
		}
		item := a.head
		a.head = item.next
		if a.head == nil {
			a.tail = nil
		}
		item.next = nil
		a.pendingCount--
		a.mu.Unlock()
		a.dispatch(ctx, item)
	}
}

// dispatch runs a single work item's process function and routes its
// result to onNoMatch (NoMatch with a callback set) or onResult.
func (a *Authenticator) dispatch(ctx context.Context, item *workItem) {
	if !item.release && !item.client.Connected() {
		a.log.Debug("auth: dropping item for disconnected client", slog.Uint64("auth_id", a.id))
		return
	}

	var result Result
	if item.process == nil {
		a.log.Error("auth: authenticator has no process function", slog.Uint64("auth_id", a.id))
		result = Failed
	} else {
		result = item.process(ctx, item.client)
	}

	if result == OK {
		item.client.ACL().Release()
		item.client.SetACL(a.acl.Addref())
		item.client.SetRole(a.Role)
	} else {
		if bound := item.client.BoundAuthenticator(); bound != nil {
			bound.Release()
			item.client.SetBoundAuthenticator(nil)
		}
	}

	if result == NoMatch && item.onNoMatch != nil {
		item.onNoMatch(item.client, item.onResult, item.userdata)
		return
	}
	if item.onResult != nil {
		item.onResult(item.client, item.userdata, result)
	}
}

func ingestAuthorizationHeader(client ClientHandle, log *slog.Logger) {
	if client.Username() != "" || client.Password() != "" {
		return
	}
	header := client.Header("Authorization")
	if header == "" {
		return
	}
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		log.Warn("auth: non-Basic Authorization header ignored")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		log.Warn("auth: malformed Authorization header ignored", slog.String("error", err.Error()))
		return
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		log.Warn("auth: malformed Authorization header ignored (no colon)")
		return
	}
	client.SetUsername(user)
	client.SetPassword(pass)
}

// AddClient attempts to authenticate client against a, applying the method
// filter, rate limiter, and queue-full admission bound (in that order)
// before enqueuing the authentication work itself.
func (a *Authenticator) AddClient(ctx context.Context, client ClientHandle, onNoMatch OnNoMatchFunc, onResult OnResultFunc, userdata any) {
	ingestAuthorizationHeader(client, a.log)

	if !a.methodAllowed(client.Method()) {
		if onNoMatch != nil {
			onNoMatch(client, onResult, userdata)
		} else if onResult != nil {
			onResult(client, userdata, NoMatch)
		}
		return
	}

	if a.limiter != nil && !a.limiter.Allow() {
		client.SendBusy()
		return
	}

	a.mu.Lock()
	if !a.immediate && a.pendingCount >= a.queueLimit {
		a.mu.Unlock()
		client.SendBusy()
		return
	}
	a.mu.Unlock()

	if bound := client.BoundAuthenticator(); bound != nil {
		bound.Release()
	}
	client.SetBoundAuthenticator(a.Addref())

	item := &workItem{
		client:    client,
		process:   a.Authenticate,
		onNoMatch: onNoMatch,
		onResult:  onResult,
		userdata:  userdata,
	}
	a.enqueue(ctx, item)
}

// ReleaseClient implements the asymmetric logout path: it synchronously
// detaches the client when its authenticator has no release hook, or
// dispatches the hook through the authenticator's own queue and finishes
// detaching once it completes. finalize, when non-nil, runs once teardown
// has fully completed — synchronously before ReleaseClient returns if
// async is false, or later from the authenticator's worker if async is
// true.
func ReleaseClient(ctx context.Context, client ClientHandle, finalize func()) (async bool) {
	if client.ACL() == nil {
		if finalize != nil {
			finalize()
		}
		return false
	}
	a := client.BoundAuthenticator()
	if a == nil {
		client.ACL().Release()
		client.SetACL(nil)
		if finalize != nil {
			finalize()
		}
		return false
	}
	a.dequeueClient(client)

	if a.ReleaseHook != nil {
		item := &workItem{
			client:  client,
			process: a.ReleaseHook,
			release: true,
			onResult: func(c ClientHandle, _ any, _ Result) {
				// dispatch already released the binding for any non-OK result.
				if bound := c.BoundAuthenticator(); bound != nil {
					bound.Release()
					c.SetBoundAuthenticator(nil)
				}
				if c.ACL() != nil {
					c.ACL().Release()
					c.SetACL(nil)
				}
				if finalize != nil {
					finalize()
				}
			},
		}
		if a.immediate {
			a.enqueue(ctx, item)
			return false
		}
		a.enqueue(ctx, item)
		return true
	}

	a.Release()
	client.SetBoundAuthenticator(nil)
	client.ACL().Release()
	client.SetACL(nil)
	if finalize != nil {
		finalize()
	}
	return false
}
