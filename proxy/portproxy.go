package proxy

import (
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// proxyPathPattern matches the reverse-proxy URL convention: /_proxy/<port>
// with an optional sub-path, digits only for the port.
var proxyPathPattern = regexp.MustCompile(`^/_proxy/(\d+)(/.*)?$`)

// PortProxy forwards requests whose target port is encoded in the path or
// Referer header to an arbitrary loopback port. It is independent of the
// backend lifecycle.
type PortProxy struct {
	basePath  string
	transport *http.Transport
}

// NewPortProxy creates a PortProxy. basePath is the configured URL prefix,
// already normalized; it is stripped from Referer paths before extraction.
func NewPortProxy(basePath string) *PortProxy {
	dialer := net.Dialer{
		Timeout:   600 * time.Second,
		KeepAlive: 600 * time.Second,
	}
	return &PortProxy{
		basePath: basePath,
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			Dial:                dialer.Dial,
			TLSHandshakeTimeout: 180 * time.Second,
		},
	}
}

// ResolveTargetPort extracts a port from the request path, falling back to
// the Referer header. The fallback lets a browser tab that loaded a page
// under a proxied port keep issuing same-origin-looking requests that still
// get re-routed to that port. path must already have the base path stripped.
func (p *PortProxy) ResolveTargetPort(r *http.Request, path string) (int, bool) {
	if port, ok := portFromPath(path); ok {
		return port, true
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return 0, false
	}
	u, err := url.Parse(referer)
	if err != nil {
		return 0, false
	}
	return portFromPath(p.stripBasePath(u.Path))
}

// Forward strips the /_proxy/<port> segment from path and forwards the
// request to http://localhost:<port> with the remaining path and query string
// intact. Proxy errors produce a server error for the affected request only.
func (p *PortProxy) Forward(w http.ResponseWriter, r *http.Request, port int, path string) {
	rest := strings.TrimPrefix(path, "/_proxy/"+strconv.Itoa(port))
	if rest == "" {
		rest = "/"
	}

	targetURL := &url.URL{
		Scheme: "http",
		Host:   "localhost:" + strconv.Itoa(port),
	}

	reverseProxy := httputil.NewSingleHostReverseProxy(targetURL)
	reverseProxy.Transport = p.transport
	reverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("proxy: error forwarding %s %s to port %d: %v", r.Method, r.URL.Path, port, err)
		http.Error(w, "Proxy error", http.StatusInternalServerError)
	}

	r.Host = targetURL.Host
	r.URL.Path = rest
	reverseProxy.ServeHTTP(w, r)
}

func (p *PortProxy) stripBasePath(path string) string {
	if p.basePath == "" {
		return path
	}
	if path == p.basePath {
		return "/"
	}
	if strings.HasPrefix(path, p.basePath+"/") {
		return strings.TrimPrefix(path, p.basePath)
	}
	return path
}

func portFromPath(path string) (int, bool) {
	m := proxyPathPattern.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
