package auth

import (
	"context"
	"sync"
	"sync/atomic"
)

// StackNode is one link in an authenticator stack: a strong reference to
// one authenticator and, at most, one strong reference to its successor.
type StackNode struct {
	mu       sync.Mutex
	refcount int32
	auth     *Authenticator
	next     *StackNode
}

// Stack is the append-only, ordered sequence of authenticators a server
// configures once at startup (or reconfigure); clients walk it by holding
// an addref'd *StackNode as their cursor, not by touching Stack directly.
type Stack struct {
	mu   sync.Mutex
	head *StackNode
}

// NewStack returns an empty stack.
func NewStack() *Stack { return &Stack{} }

// Push appends a into a fresh node at the tail, creating the stack if it
// was empty.
func (s *Stack) Push(a *Authenticator) error {
	if a == nil {
		return ErrInvalidStackInput
	}
	node := &StackNode{auth: a.Addref(), refcount: 1}

	s.mu.Lock()
	if s.head == nil {
		s.head = node
		s.mu.Unlock()
		return nil
	}
	cur := s.head
	cur.mu.Lock()
	s.mu.Unlock()
	for {
		if cur.next == nil {
			cur.next = node
			cur.mu.Unlock()
			return nil
		}
		nxt := cur.next
		nxt.mu.Lock()
		cur.mu.Unlock()
		cur = nxt
	}
}

// Append concatenates tail's nodes onto the end of s, using the same
// hand-over-hand traversal as Push.
func (s *Stack) Append(tail *Stack) error {
	if tail == nil {
		return ErrInvalidStackInput
	}
	tail.mu.Lock()
	tailHead := tail.head
	tail.mu.Unlock()
	if tailHead == nil {
		return nil
	}

	s.mu.Lock()
	if s.head == nil {
		s.head = tailHead
		s.mu.Unlock()
		return nil
	}
	cur := s.head
	cur.mu.Lock()
	s.mu.Unlock()
	for {
		if cur.next == nil {
			cur.next = tailHead
			cur.mu.Unlock()
			return nil
		}
		nxt := cur.next
		nxt.mu.Lock()
		cur.mu.Unlock()
		cur = nxt
	}
}

// Head returns an addref'd cursor onto the first node, or nil if empty.
func (s *Stack) Head() *StackNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return nil
	}
	return s.head.Addref()
}

func (n *StackNode) Addref() *StackNode {
	if n == nil {
		return nil
	}
	atomic.AddInt32(&n.refcount, 1)
	return n
}

// Release decrements n's refcount; on the last release it releases its
// authenticator and cascades into its successor.
func (n *StackNode) Release() {
	if n == nil {
		return
	}
	if atomic.AddInt32(&n.refcount, -1) > 0 {
		return
	}
	n.auth.Release()
	n.next.Release()
}

// Next advances *cursor to its successor, releasing the current node and
// addref'ing the successor. Returns advanced=false at end-of-list.
func Next(cursor **StackNode) (advanced bool, err error) {
	if cursor == nil || *cursor == nil {
		return false, ErrInvalidStackInput
	}
	cur := *cursor
	cur.mu.Lock()
	nxt := cur.next
	if nxt != nil {
		nxt.Addref()
	}
	cur.mu.Unlock()
	cur.Release()
	if nxt == nil {
		*cursor = nil
		return false, nil
	}
	*cursor = nxt
	return true, nil
}

// Get returns an addref'd reference to the authenticator at cursor, or nil.
func Get(cursor *StackNode) *Authenticator {
	if cursor == nil {
		return nil
	}
	cursor.mu.Lock()
	a := cursor.auth
	cursor.mu.Unlock()
	return a.Addref()
}

// GetByID walks the stack in order and returns the first authenticator
// whose id matches, addref'd, or nil.
func GetByID(root *StackNode, id uint64) *Authenticator {
	if root == nil {
		return nil
	}
	cur := root.Addref()
	for cur != nil {
		cur.mu.Lock()
		a := cur.auth
		next := cur.next
		if next != nil {
			next.Addref()
		}
		cur.mu.Unlock()
		if a.ID() == id {
			cur.Release()
			next.Release()
			return a.Addref()
		}
		cur.Release()
		cur = next
	}
	return nil
}

// GetAnonymousACL returns the addref'd ACL of the first anonymous-type
// authenticator in walk order whose method mask admits method.
func GetAnonymousACL(root *StackNode, method string) *ACL {
	if root == nil {
		return nil
	}
	cur := root.Addref()
	for cur != nil {
		cur.mu.Lock()
		a := cur.auth
		next := cur.next
		if next != nil {
			next.Addref()
		}
		cur.mu.Unlock()
		if a.Type == "anonymous" && a.methodAllowed(method) {
			acl := a.ACL().Addref()
			cur.Release()
			next.Release()
			return acl
		}
		cur.Release()
		cur = next
	}
	return nil
}

// WalkStack authenticates client against the stack rooted at root,
// invoking onResult exactly once with the terminal result. It uses a
// CAS-guarded trampoline rather than naive recursion: a run of
// consecutive immediate authenticators is walked in a flat loop, while a
// non-immediate hop ends the current call and is resumed — as a fresh
// call, not a nested one — by its own worker goroutine once that
// authenticator dispatches the item.
func WalkStack(ctx context.Context, client ClientHandle, root *StackNode, onResult OnResultFunc, userdata any) {
	if root == nil {
		if onResult != nil {
			onResult(client, userdata, NoMatch)
		}
		return
	}
	cursor := root.Addref()
	client.SetBoundStack(cursor)
	runStackWalkLoop(ctx, client, cursor, onResult, userdata)
}

func runStackWalkLoop(ctx context.Context, client ClientHandle, cursor *StackNode, onResult OnResultFunc, userdata any) {
	for cursor != nil {
		authN := Get(cursor)

		var resolved int32 // 0=unresolved, 1=loop claimed it, 2=closure claimed it (async)
		var advanceTo *StackNode
		var isTerminal bool
		var terminalResult Result

		onNoMatch := func(c ClientHandle, _ OnResultFunc, _ any) {
			cur := c.BoundStack()
			adv, _ := Next(&cur)
			c.SetBoundStack(cur)
			if atomic.CompareAndSwapInt32(&resolved, 0, 1) {
				if adv {
					advanceTo = cur
				} else {
					isTerminal = true
					terminalResult = NoMatch
				}
				return
			}
			// The loop already moved past this hop (async dispatch): resume
			// fresh from here instead of recursing into the old call.
			authN.Release()
			if !adv {
				if onResult != nil {
					onResult(c, userdata, NoMatch)
				}
				return
			}
			runStackWalkLoop(ctx, c, cur, onResult, userdata)
		}

		onRes := func(c ClientHandle, _ any, result Result) {
			if atomic.CompareAndSwapInt32(&resolved, 0, 1) {
				isTerminal = true
				terminalResult = result
				return
			}
			authN.Release()
			if onResult != nil {
				onResult(c, userdata, result)
			}
		}

		authN.AddClient(ctx, client, onNoMatch, onRes, userdata)

		if atomic.CompareAndSwapInt32(&resolved, 0, 2) {
			// Non-immediate: the item is queued, not yet processed. The
			// closures above will settle this hop later, on the worker's
			// own goroutine.
			authN.Release()
			return
		}

		// Immediate (or an async authenticator that happened to finish
		// synchronously, e.g. a zero-latency backend): the closures above
		// already ran inline and recorded the outcome.
		authN.Release()
		if isTerminal {
			if onResult != nil {
				onResult(client, userdata, terminalResult)
			}
			return
		}
		if advanceTo == nil {
			if onResult != nil {
				onResult(client, userdata, NoMatch)
			}
			return
		}
		cursor = advanceTo
	}
}
