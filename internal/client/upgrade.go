package client

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// statsUpgrader completes the 101 Switching Protocols path for the
// live-metrics/stats mount, grounded on the canned-upgrade-response
// mention in the source's client_send_101 and fleshed out into a real
// handshake using the websocket library already pulled in elsewhere in
// the dependency stack. A failed handshake writes nothing to the
// connection; the caller sends its own error response.
var statsUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	CheckOrigin:      func(r *http.Request) bool { return true },
	Error:            func(w http.ResponseWriter, r *http.Request, status int, reason error) {},
}

// rawConnResponseWriter adapts an already-accepted net.Conn (this server's
// accept loop never hands control to net/http's own handler machinery) so
// websocket.Upgrader, which expects an http.ResponseWriter satisfying
// http.Hijacker, can hijack it directly.
type rawConnResponseWriter struct {
	conn   net.Conn
	header http.Header
}

func (w *rawConnResponseWriter) Header() http.Header { return w.header }

func (w *rawConnResponseWriter) Write(b []byte) (int, error) { return w.conn.Write(b) }

func (w *rawConnResponseWriter) WriteHeader(statusCode int) {}

func (w *rawConnResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	brw := bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn))
	return w.conn, brw, nil
}

// UpgradeStats completes a websocket handshake for a stats/live-metrics
// connection over conn, a connection this server already owns (rather
// than one obtained through net/http's own server). On success it returns
// the established connection; the caller is responsible for framing
// subsequent metric pushes over it and for eventually closing it.
func UpgradeStats(conn net.Conn, r *http.Request) (*websocket.Conn, error) {
	w := &rawConnResponseWriter{conn: conn, header: make(http.Header)}
	return statsUpgrader.Upgrade(w, r, nil)
}

// PushJSON writes one JSON stats frame to an upgraded connection.
func PushJSON(conn *websocket.Conn, v any) error {
	return conn.WriteJSON(v)
}
