package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func TestResolveTargetPortFromPath(t *testing.T) {
	p := NewPortProxy("")

	cases := []struct {
		path string
		port int
		ok   bool
	}{
		{"/_proxy/8081", 8081, true},
		{"/_proxy/8081/foo/bar", 8081, true},
		{"/_proxy/8081/", 8081, true},
		{"/_proxy/", 0, false},
		{"/_proxy/abc", 0, false},
		{"/_proxy/8081abc", 0, false},
		{"/foo/_proxy/8081", 0, false},
		{"/_proxy/99999", 0, false},
		{"/unknown/path", 0, false},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", "http://example.com"+c.path, nil)
		port, ok := p.ResolveTargetPort(r, c.path)
		if ok != c.ok || port != c.port {
			t.Errorf("ResolveTargetPort(%q) = (%d, %v), want (%d, %v)", c.path, port, ok, c.port, c.ok)
		}
	}
}

func TestResolveTargetPortFromReferer(t *testing.T) {
	p := NewPortProxy("/datalab")

	r := httptest.NewRequest("GET", "http://example.com/assets/app.js", nil)
	r.Header.Set("Referer", "http://example.com/datalab/_proxy/9001/index.html")

	port, ok := p.ResolveTargetPort(r, "/assets/app.js")
	if !ok || port != 9001 {
		t.Fatalf("ResolveTargetPort via Referer = (%d, %v), want (9001, true)", port, ok)
	}

	// Path extraction wins over the Referer.
	r2 := httptest.NewRequest("GET", "http://example.com/_proxy/8081/x", nil)
	r2.Header.Set("Referer", "http://example.com/datalab/_proxy/9001/index.html")
	port, ok = p.ResolveTargetPort(r2, "/_proxy/8081/x")
	if !ok || port != 8081 {
		t.Fatalf("path should win over Referer, got (%d, %v)", port, ok)
	}

	// A Referer without the pattern yields nothing.
	r3 := httptest.NewRequest("GET", "http://example.com/assets/app.js", nil)
	r3.Header.Set("Referer", "http://example.com/datalab/tree")
	if _, ok := p.ResolveTargetPort(r3, "/assets/app.js"); ok {
		t.Fatal("expected no port from a Referer without the proxy pattern")
	}
}

func TestForwardStripsPortSegment(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, "upstream ok")
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("failed to parse upstream URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse upstream port: %v", err)
	}

	p := NewPortProxy("")
	path := fmt.Sprintf("/_proxy/%d/foo/bar", port)
	r := httptest.NewRequest("GET", "http://example.com"+path+"?x=1", nil)
	w := httptest.NewRecorder()

	p.Forward(w, r, port, path)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotPath != "/foo/bar" {
		t.Errorf("upstream path = %q, want /foo/bar", gotPath)
	}
	if gotQuery != "x=1" {
		t.Errorf("upstream query = %q, want x=1", gotQuery)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if string(body) != "upstream ok" {
		t.Errorf("body = %q, want upstream ok", body)
	}
}

func TestForwardBarePortSegment(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())

	p := NewPortProxy("")
	path := fmt.Sprintf("/_proxy/%d", port)
	r := httptest.NewRequest("GET", "http://example.com"+path, nil)
	w := httptest.NewRecorder()

	p.Forward(w, r, port, path)

	if gotPath != "/" {
		t.Errorf("upstream path = %q, want /", gotPath)
	}
}

func TestForwardErrorIsServerError(t *testing.T) {
	p := NewPortProxy("")

	// Grab a port with nothing behind it.
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u, _ := url.Parse(probe.URL)
	port, _ := strconv.Atoi(u.Port())
	probe.Close()

	path := fmt.Sprintf("/_proxy/%d/foo", port)
	r := httptest.NewRequest("GET", "http://example.com"+path, nil)
	w := httptest.NewRecorder()

	p.Forward(w, r, port, path)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
