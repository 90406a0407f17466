package proxy

import (
	"fmt"
	"io"
	"net/http"
)

// WriteText writes a complete HTTP/1.1 text response. Content-Length is
// always present so the connection stays reusable.
func WriteText(w io.Writer, status int, body string) {
	WriteBytes(w, status, "text/html; charset=utf-8", []byte(body))
}

// WriteBytes writes a complete HTTP/1.1 response with the given body.
func WriteBytes(w io.Writer, status int, contentType string, body []byte) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if contentType != "" {
		fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body))
	_, _ = w.Write(body)
}

// WriteError writes a short diagnostic error response. The connection stays
// reusable; per-request failures must not tear down a persistent connection.
func WriteError(w io.Writer, status int, msg string) {
	WriteBytes(w, status, "text/plain; charset=utf-8", []byte(msg))
}

// WriteCloseError writes an error response and marks the connection for
// close. Used when the inbound byte stream itself is no longer trustworthy.
func WriteCloseError(w io.Writer, status int, msg string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(msg), msg)
}
