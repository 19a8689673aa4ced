package auth

import "sync"

// fakeClient is a minimal ClientHandle used across this package's tests.
type fakeClient struct {
	mu       sync.Mutex
	method   string
	headers  map[string]string
	username string
	password string
	role     string
	acl      *ACL
	bound    *Authenticator
	stack    *StackNode
	busy     int
	connected bool
}

func newFakeClient(method string) *fakeClient {
	return &fakeClient{method: method, headers: map[string]string{}, connected: true}
}

func (c *fakeClient) Method() string { return c.method }
func (c *fakeClient) Header(name string) string { return c.headers[name] }

func (c *fakeClient) Username() string      { return c.username }
func (c *fakeClient) SetUsername(u string)  { c.username = u }
func (c *fakeClient) Password() string      { return c.password }
func (c *fakeClient) SetPassword(p string)  { c.password = p }

func (c *fakeClient) Role() string     { return c.role }
func (c *fakeClient) SetRole(r string) { c.role = r }

func (c *fakeClient) ACL() *ACL        { return c.acl }
func (c *fakeClient) SetACL(a *ACL)    { c.acl = a }

func (c *fakeClient) BoundAuthenticator() *Authenticator     { return c.bound }
func (c *fakeClient) SetBoundAuthenticator(a *Authenticator) { c.bound = a }

func (c *fakeClient) BoundStack() *StackNode     { return c.stack }
func (c *fakeClient) SetBoundStack(n *StackNode) { c.stack = n }

func (c *fakeClient) Connected() bool { return c.connected }
func (c *fakeClient) SendBusy()       { c.mu.Lock(); c.busy++; c.mu.Unlock() }

func (c *fakeClient) busyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}
