package auth

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"
)

func alwaysResult(result Result) AuthenticateFunc {
	return func(ctx context.Context, client ClientHandle) Result { return result }
}

func TestAddClient_MethodFilterNoMatchWithoutInvokingBackend(t *testing.T) {
	called := false
	a := New(Config{Role: "r", Type: "htpasswd", Methods: []string{"POST"}, Immediate: true})
	a.Authenticate = func(ctx context.Context, client ClientHandle) Result {
		called = true
		return OK
	}
	defer a.Release()

	client := newFakeClient("GET")
	var gotResult Result
	var gotResultSet bool
	a.AddClient(context.Background(), client, nil, func(c ClientHandle, ud any, r Result) {
		gotResult = r
		gotResultSet = true
	}, nil)

	if called {
		t.Fatal("authenticate_client must not be invoked when method filtered out")
	}
	if !gotResultSet || gotResult != NoMatch {
		t.Fatalf("expected NoMatch result, got %v (set=%v)", gotResult, gotResultSet)
	}
}

func TestAddClient_QueueFullSendsBusyAndNoCallbacks(t *testing.T) {
	block := make(chan struct{})
	a := New(Config{Role: "r", Type: "url", QueueLimit: 2})
	a.Authenticate = func(ctx context.Context, client ClientHandle) Result {
		<-block
		return OK
	}
	defer func() {
		close(block)
		a.Release()
	}()

	// First item starts processing and blocks the worker; the next two fill
	// the queue (limit=2); the fourth overall call must bounce.
	c0 := newFakeClient("GET")
	a.AddClient(context.Background(), c0, nil, func(ClientHandle, any, Result) {}, nil)
	time.Sleep(20 * time.Millisecond) // let the worker pick up c0 and start blocking

	c1 := newFakeClient("GET")
	c2 := newFakeClient("GET")
	a.AddClient(context.Background(), c1, nil, func(ClientHandle, any, Result) {}, nil)
	a.AddClient(context.Background(), c2, nil, func(ClientHandle, any, Result) {}, nil)

	invoked := false
	c3 := newFakeClient("GET")
	a.AddClient(context.Background(), c3, func(ClientHandle, OnResultFunc, any) { invoked = true }, func(ClientHandle, any, Result) { invoked = true }, nil)

	if invoked {
		t.Fatal("neither callback should fire when the queue is full")
	}
	if c3.busyCount() != 1 {
		t.Fatalf("expected exactly one SendBusy call, got %d", c3.busyCount())
	}
}

func TestAuthorizationHeaderBase64RoundTrip(t *testing.T) {
	a := New(Config{Role: "r", Type: "static", Immediate: true, ACL: NewACL("r", nil)})
	a.Authenticate = alwaysResult(OK)
	defer a.Release()

	client := newFakeClient("GET")
	creds := base64.StdEncoding.EncodeToString([]byte("u:p"))
	client.headers["Authorization"] = "Basic " + creds

	done := make(chan struct{})
	a.AddClient(context.Background(), client, nil, func(ClientHandle, any, Result) { close(done) }, nil)
	<-done

	if client.Username() != "u" || client.Password() != "p" {
		t.Fatalf("expected u/p, got %q/%q", client.Username(), client.Password())
	}
}

func TestReleaseClient_NoopWithoutACL(t *testing.T) {
	client := newFakeClient("GET")
	finalizeCalled := false
	async := ReleaseClient(context.Background(), client, func() { finalizeCalled = true })
	if async {
		t.Fatal("ReleaseClient on a client with no ACL must not be async")
	}
	if !finalizeCalled {
		t.Fatal("finalize should still run synchronously")
	}
}

func TestReleaseClient_SyncWithoutHook(t *testing.T) {
	a := New(Config{Role: "r", Type: "static", Immediate: true, ACL: NewACL("r", nil)})
	defer a.Release()

	client := newFakeClient("GET")
	client.SetACL(a.ACL().Addref())
	client.SetBoundAuthenticator(a.Addref())

	async := ReleaseClient(context.Background(), client, nil)
	if async {
		t.Fatal("expected synchronous release without a ReleaseHook")
	}
	if client.ACL() != nil || client.BoundAuthenticator() != nil {
		t.Fatal("client should be fully detached after synchronous release")
	}
}

func TestReleaseClient_AsyncWithHook(t *testing.T) {
	a := New(Config{Role: "r", Type: "url", ACL: NewACL("r", nil)})
	a.ReleaseHook = func(ctx context.Context, client ClientHandle) Result { return Released }
	defer a.Release()

	client := newFakeClient("GET")
	client.SetACL(a.ACL().Addref())
	client.SetBoundAuthenticator(a.Addref())

	var wg sync.WaitGroup
	wg.Add(1)
	async := ReleaseClient(context.Background(), client, func() { wg.Done() })
	if !async {
		t.Fatal("expected async release when a ReleaseHook is set on a non-immediate authenticator")
	}
	wg.Wait()

	if client.ACL() != nil || client.BoundAuthenticator() != nil {
		t.Fatal("client should be fully detached once the async release completes")
	}
}

func TestStackAdvanceTotality(t *testing.T) {
	const n = 4
	var authenticators []*Authenticator
	invocations := make([]int, n)
	stack := NewStack()
	for i := 0; i < n; i++ {
		idx := i
		a := New(Config{Role: "r", Type: "htpasswd", Immediate: true})
		a.Authenticate = func(ctx context.Context, client ClientHandle) Result {
			invocations[idx]++
			return NoMatch
		}
		authenticators = append(authenticators, a)
		if err := stack.Push(a); err != nil {
			t.Fatal(err)
		}
	}
	defer func() {
		for _, a := range authenticators {
			a.Release()
		}
	}()

	client := newFakeClient("GET")
	var finalResult Result
	var finalResultSet bool
	WalkStack(context.Background(), client, stack.Head(), func(c ClientHandle, ud any, r Result) {
		finalResult = r
		finalResultSet = true
	}, nil)

	if !finalResultSet || finalResult != NoMatch {
		t.Fatalf("expected a single terminal NoMatch, got %v (set=%v)", finalResult, finalResultSet)
	}
	for i, count := range invocations {
		if count != 1 {
			t.Fatalf("authenticator %d invoked %d times, want exactly 1", i, count)
		}
	}
}
