package client

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestUpgradeStatsRejectsNonWebsocketRequest(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	if _, err := UpgradeStats(serverConn, req); err == nil {
		t.Fatal("expected an error for a request missing websocket upgrade headers")
	}
}

// TestUpgradeStatsHandshakeAndPush drives a real client-side
// websocket.Dialer handshake over an in-memory net.Pipe (via the
// Dialer's NetDial hook, since there is no listening address to dial
// here), then pushes one JSON frame from the server side and reads it
// back through the dialed connection.
func TestUpgradeStatsHandshakeAndPush(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	serverDone := make(chan *websocket.Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		req, err := http.ReadRequest(bufio.NewReader(serverConn))
		if err != nil {
			serverErr <- err
			return
		}
		ws, err := UpgradeStats(serverConn, req)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- ws
	}()

	dialer := websocket.Dialer{
		NetDial:          func(network, addr string) (net.Conn, error) { return clientConn, nil },
		HandshakeTimeout: 2 * time.Second,
	}
	clientWS, _, err := dialer.Dial("ws://stats.local/admin/stats", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientWS.Close()

	var serverWS *websocket.Conn
	select {
	case serverWS = <-serverDone:
	case err := <-serverErr:
		t.Fatalf("server-side upgrade failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server-side upgrade to complete")
	}
	defer serverWS.Close()

	go func() {
		_ = PushJSON(serverWS, map[string]any{"goroutines": 7})
	}()

	var got map[string]any
	clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := clientWS.ReadJSON(&got); err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	if got["goroutines"] != float64(7) {
		t.Fatalf("expected goroutines=7, got %v", got["goroutines"])
	}
}
