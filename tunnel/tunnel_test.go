package tunnel

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestTunnel(t *testing.T, dispatch http.Handler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(NewHandler(dispatch))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial tunnel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestTunnelRoundTrip(t *testing.T) {
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/contents" {
			t.Errorf("dispatched path = %q, want /api/contents", r.URL.Path)
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("dispatched header X-Custom = %q, want yes", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	})

	conn := dialTestTunnel(t, dispatch)

	err := conn.WriteJSON(Request{
		ID:      "req-1",
		Method:  "GET",
		Path:    "/api/contents",
		Headers: map[string]string{"X-Custom": "yes"},
	})
	if err != nil {
		t.Fatalf("failed to write request frame: %v", err)
	}

	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("failed to read response frame: %v", err)
	}

	if resp.ID != "req-1" || !resp.Done || resp.Error != "" {
		t.Fatalf("unexpected reply: %+v", resp)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.Status)
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", resp.Headers["Content-Type"])
	}
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		t.Fatalf("response body is not base64: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestTunnelForwardsRequestBody(t *testing.T) {
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if string(b) != "payload" {
			t.Errorf("dispatched body = %q, want payload", b)
		}
		if r.Method != "POST" {
			t.Errorf("dispatched method = %q, want POST", r.Method)
		}
	})

	conn := dialTestTunnel(t, dispatch)

	err := conn.WriteJSON(Request{
		ID:     "req-2",
		Method: "POST",
		Path:   "/api/sessions",
		Body:   base64.StdEncoding.EncodeToString([]byte("payload")),
	})
	if err != nil {
		t.Fatalf("failed to write request frame: %v", err)
	}

	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("failed to read response frame: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
}

func TestTunnelMalformedFrameFailsAlone(t *testing.T) {
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	conn := dialTestTunnel(t, dispatch)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("failed to write malformed frame: %v", err)
	}

	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("failed to read error reply: %v", err)
	}
	if resp.Error == "" || !resp.Done {
		t.Fatalf("expected error reply for malformed frame, got %+v", resp)
	}

	// The connection survives and serves the next frame.
	if err := conn.WriteJSON(Request{ID: "req-3", Path: "/api/status"}); err != nil {
		t.Fatalf("failed to write follow-up frame: %v", err)
	}
	resp = Response{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("failed to read follow-up reply: %v", err)
	}
	if resp.ID != "req-3" || resp.Error != "" {
		t.Fatalf("unexpected follow-up reply: %+v", resp)
	}
}

func TestTunnelPathIsNotDispatchable(t *testing.T) {
	dispatched := false
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatched = true
	})

	conn := dialTestTunnel(t, dispatch)

	if err := conn.WriteJSON(Request{ID: "req-4", Path: Path}); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error reply for the tunnel path")
	}
	if dispatched {
		t.Fatal("tunnel path must not be dispatched")
	}
}
