// Package tunnel implements the raw-HTTP-over-WebSocket endpoint at the
// reserved path. A client opens one WebSocket connection and sends serialized
// HTTP requests as JSON text frames; each is dispatched through the same
// handler chain as a direct request, so tunneled traffic obeys identical
// routing, lazy-start and CORS rules.
package tunnel

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
)

// Path is the reserved tunnel path. Requests to it are never forwarded to the
// backend or the reverse proxy.
const Path = "/http_over_websocket"

// Request is one serialized HTTP request frame, client to server.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"` // base64-encoded
}

// Response is the reply frame for one Request.
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"` // base64-encoded
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// perform reconstructs and dispatches one tunneled request against the given
// handler and returns its reply frame. Malformed frames fail that id only.
func perform(dispatch http.Handler, req Request) Response {
	if req.Path == Path {
		return Response{ID: req.ID, Done: true, Error: "tunnel path is not dispatchable"}
	}

	u, err := url.ParseRequestURI(req.Path)
	if err != nil {
		return Response{ID: req.ID, Done: true, Error: "invalid path: " + err.Error()}
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return Response{ID: req.ID, Done: true, Error: "invalid body encoding: " + err.Error()}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq := &http.Request{
		Method: method,
		URL:    u,
		Proto:  "HTTP/1.1",
		Header: make(http.Header, len(req.Headers)),
		Body:   io.NopCloser(bytes.NewReader(body)),
		Host:   "localhost",
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	rec := newResponseBuffer()
	dispatch.ServeHTTP(rec, httpReq)

	headers := make(map[string]string, len(rec.header))
	for k := range rec.header {
		headers[k] = rec.header.Get(k)
	}
	return Response{
		ID:      req.ID,
		Status:  rec.status,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(rec.buf.Bytes()),
		Done:    true,
	}
}

// responseBuffer is a minimal in-memory http.ResponseWriter for dispatching
// tunneled requests.
type responseBuffer struct {
	header http.Header
	buf    bytes.Buffer
	status int
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header), status: http.StatusOK}
}

func (r *responseBuffer) Header() http.Header {
	return r.header
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	return r.buf.Write(p)
}

func (r *responseBuffer) WriteHeader(status int) {
	r.status = status
}
