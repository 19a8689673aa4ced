package client

import (
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrorID names one of the canned error pages, carrying both the HTTP
// status and the human-readable message templated into the body.
type ErrorID struct {
	Status  int
	Code    string
	Message string
}

var (
	ErrAuthBusy      = ErrorID{503, "auth_busy", "The server's authentication queue is full; please retry shortly."}
	ErrAuthFailed    = ErrorID{401, "auth_failed", "Authentication failed."}
	ErrForbidden     = ErrorID{403, "forbidden", "You are not permitted to access this resource."}
	ErrNotFound      = ErrorID{404, "not_found", "The requested resource does not exist."}
	ErrInternalError = ErrorID{500, "internal_error", "An internal error occurred."}
)

var errorPageTemplate = template.Must(template.New("error").Parse(
	`<html><head><title>{{.Status}} {{.Message}}</title></head>` +
		`<body><h1>{{.Status}} {{.Message}}</h1><p>Reference: {{.ID}}</p></body></html>`))

type errorPageData struct {
	Status  int
	Message string
	ID      string
}

// SendErrorByID writes the canned response for id, negotiating a plain
// text or HTML body from the Accept header, with a fresh opaque UUID
// embedded so operators can correlate a client-visible reference against
// server-side logs.
func SendErrorByID(w io.Writer, accept string, id ErrorID) error {
	ref := uuid.New().String()

	if strings.Contains(accept, "text/html") {
		body := &strings.Builder{}
		if err := errorPageTemplate.Execute(body, errorPageData{Status: id.Status, Message: id.Message, ID: ref}); err != nil {
			return err
		}
		return writeResponse(w, id.Status, "text/html", body.String())
	}

	text := fmt.Sprintf("%d %s\n%s\nreference: %s\n", id.Status, id.Code, id.Message, ref)
	return writeResponse(w, id.Status, "text/plain", text)
}

func writeResponse(w io.Writer, status int, contentType, body string) error {
	statusLine := statusText(status)
	_, err := fmt.Fprintf(w, "HTTP/1.0 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, statusLine, contentType, len(body), body)
	return err
}

func statusText(status int) string {
	switch status {
	case 101:
		return "Switching Protocols"
	case 204:
		return "No Content"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 426:
		return "Upgrade Required"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Error"
	}
}

// Send101 completes the 101 Switching Protocols handshake for a TLS or
// websocket upgrade; the caller is expected to hand the raw connection to
// the relevant protocol handler immediately afterward.
func Send101(w io.Writer, upgradeTo string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.0 101 Switching Protocols\r\nUpgrade: %s\r\nConnection: Upgrade\r\nContent-Length: 0\r\n\r\n", upgradeTo)
	return err
}

// Send204 writes a bare 204 No Content, used for admin commands that have
// no body to report.
func Send204(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.0 204 No Content\r\nContent-Length: 0\r\n\r\n")
	return err
}

// Send426 writes the Upgrade Required response for a client that
// attempted plaintext access to a TLS-only mount.
func Send426(w io.Writer, upgradeTo string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.0 426 Upgrade Required\r\nUpgrade: %s\r\nConnection: Upgrade\r\nContent-Length: 0\r\n\r\n", upgradeTo)
	return err
}

// Send500 is deliberately a free function over a bare io.Writer rather
// than a *Client method: it must still produce a response when the
// client that would normally carry this data could not be fully built
// (e.g. the allocation-failure path), mirroring the source's
// client_send_500 resilience.
func Send500(w io.Writer) error {
	const body = "500 Internal Server Error\n"
	_, err := fmt.Fprintf(w, "HTTP/1.0 500 Internal Server Error\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	return err
}
