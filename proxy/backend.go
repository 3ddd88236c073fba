package proxy

import (
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/craigcitro/backend-container/config"
)

// PortSource reports the currently ready backend port for a key, 0 when none
// is ready. The Supervisor implements it.
type PortSource interface {
	Port(key string) int
}

// BackendAdapter forwards HTTP and WebSocket-upgrade traffic to the currently
// ready backend process and rewrites CORS-related response headers. Callers
// are expected to have ensured readiness first; a request arriving with no
// ready backend is answered with a server error.
type BackendAdapter struct {
	key       string
	ports     PortSource
	allowed   *config.OriginSet
	transport *http.Transport
}

// NewBackendAdapter creates an adapter for the backend identified by key.
func NewBackendAdapter(key string, ports PortSource, allowed *config.OriginSet) *BackendAdapter {
	dialer := net.Dialer{
		Timeout:   600 * time.Second,
		KeepAlive: 600 * time.Second,
	}
	return &BackendAdapter{
		key:     key,
		ports:   ports,
		allowed: allowed,
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			Dial:                dialer.Dial,
			TLSHandshakeTimeout: 180 * time.Second,
		},
	}
}

// ForwardHTTP forwards the request to the ready backend, preserving method,
// headers and body. The path is forwarded as received; the backend is
// configured with the same base URL path as the front server.
func (a *BackendAdapter) ForwardHTTP(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r)
}

// ForwardUpgrade forwards a WebSocket upgrade to the backend verbatim.
// Readiness is not re-checked beyond the port lookup; an upgrade arriving
// before the backend is ready is dropped with a server error.
func (a *BackendAdapter) ForwardUpgrade(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r)
}

func (a *BackendAdapter) forward(w http.ResponseWriter, r *http.Request) {
	port := a.ports.Port(a.key)
	if port == 0 {
		// Callers route through EnsureStarted before delegating here, so a
		// missing backend is a bug upstream of the adapter.
		log.Printf("proxy: no ready backend for %q, dropping %s %s", a.key, r.Method, r.URL.Path)
		http.Error(w, "Backend not available", http.StatusInternalServerError)
		return
	}

	targetURL := &url.URL{
		Scheme: "http",
		Host:   "localhost:" + strconv.Itoa(port),
	}

	origin := r.Header.Get("Origin")
	reverseProxy := httputil.NewSingleHostReverseProxy(targetURL)
	reverseProxy.Transport = a.transport
	reverseProxy.ModifyResponse = func(resp *http.Response) error {
		RewriteCORSHeaders(resp.Header, origin, a.allowed)
		return nil
	}
	reverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("proxy: error forwarding %s %s to backend: %v", r.Method, r.URL.Path, err)
		http.Error(w, "Proxy error", http.StatusInternalServerError)
	}

	r.Host = targetURL.Host
	reverseProxy.ServeHTTP(w, r)
}
