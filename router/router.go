package router

import (
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/craigcitro/backend-container/singleflight"
	"github.com/craigcitro/backend-container/tunnel"
)

// backendPathPrefixes are the fixed route prefixes served by the backend
// process. The root path matches exactly; the rest match on a path-segment
// boundary.
var backendPathPrefixes = []string{
	"/api",
	"/tree",
	"/notebooks",
	"/nbconvert",
	"/nbextensions",
	"/files",
	"/edit",
	"/terminals",
	"/sessions",
	"/static",
}

// Backends is the Supervisor surface the router needs: lazy start and a
// non-blocking readiness probe.
type Backends interface {
	EnsureStarted(key string, cb singleflight.Callback)
	Port(key string) int
}

// BackendForwarder forwards requests and upgrades to the ready backend.
type BackendForwarder interface {
	ForwardHTTP(w http.ResponseWriter, r *http.Request)
	ForwardUpgrade(w http.ResponseWriter, r *http.Request)
}

// PortForwarder resolves and serves port-addressed reverse-proxy requests.
type PortForwarder interface {
	ResolveTargetPort(r *http.Request, path string) (int, bool)
	Forward(w http.ResponseWriter, r *http.Request, port int, path string)
}

// Router is the top-level dispatcher. Per request it strips the configured
// base path, classifies the target by priority (tunnel path, reverse-proxy
// port match, backend route prefix, not-found) and triggers a lazy backend
// start when a backend route is hit before the backend is ready.
type Router struct {
	basePath  string
	key       string
	backends  Backends
	adapter   BackendForwarder
	portProxy PortForwarder
	tunnel    http.Handler
}

// New creates a Router. basePath must already be normalized. The tunnel
// collaborator is attached separately via SetTunnel since it typically
// dispatches back through the router.
func New(basePath, key string, backends Backends, adapter BackendForwarder, portProxy PortForwarder) *Router {
	return &Router{
		basePath:  basePath,
		key:       key,
		backends:  backends,
		adapter:   adapter,
		portProxy: portProxy,
	}
}

// SetTunnel attaches the handler owning the reserved tunnel path.
func (rt *Router) SetTunnel(h http.Handler) {
	rt.tunnel = h
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()
	path := rt.stripBasePath(r.URL.Path)

	log.Printf("<%s> %s %s", traceID, r.Method, r.URL.Path)

	if websocket.IsWebSocketUpgrade(r) {
		rt.handleUpgrade(w, r, path, traceID)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rt.route(rec, r, path, traceID, true)
	log.Printf("<%s> %s %s %d", traceID, r.Method, r.URL.Path, rec.status)
}

// route classifies one request and dispatches it. mayPark guards the
// single re-entry after a completed start so a request can never queue
// against the supervisor twice.
func (rt *Router) route(w http.ResponseWriter, r *http.Request, path, traceID string, mayPark bool) {
	if path == tunnel.Path {
		// The tunnel collaborator owns this path; it is never forwarded to
		// the backend or the reverse proxy.
		if rt.tunnel == nil {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		rt.tunnel.ServeHTTP(w, r)
		return
	}

	if port, ok := rt.portProxy.ResolveTargetPort(r, path); ok {
		log.Printf("<%s> => localhost:%d", traceID, port)
		rt.portProxy.Forward(w, r, port, path)
		return
	}

	if isBackendPath(path) {
		// Idempotent and safe to fire on every matching request.
		rt.backends.EnsureStarted(rt.key, nil)

		if rt.backends.Port(rt.key) != 0 {
			rt.adapter.ForwardHTTP(w, r)
			return
		}
		if !mayPark {
			log.Printf("<%s> backend vanished after start", traceID)
			http.Error(w, "Backend failed to start", http.StatusInternalServerError)
			return
		}

		// Park until the in-flight start resolves, then route again. The
		// handler must not return while the response writer is still in use,
		// so delivery is awaited here; a parked request simply waits out the
		// supervisor's readiness timeout.
		done := make(chan struct{})
		rt.backends.EnsureStarted(rt.key, func(err error) {
			defer close(done)
			if err != nil {
				log.Printf("<%s> backend start failed: %v", traceID, err)
				http.Error(w, "Backend failed to start", http.StatusInternalServerError)
				return
			}
			rt.route(w, r, path, traceID, false)
		})
		<-done
		return
	}

	log.Printf("<%s> %s %s 404 [No route found]", traceID, r.Method, r.URL.Path)
	http.Error(w, "Not Found", http.StatusNotFound)
}

// handleUpgrade dispatches a WebSocket upgrade. The tunnel path is owned by
// the tunnel collaborator; everything else goes to the backend adapter
// without re-checking readiness.
func (rt *Router) handleUpgrade(w http.ResponseWriter, r *http.Request, path, traceID string) {
	if path == tunnel.Path {
		if rt.tunnel == nil {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		rt.tunnel.ServeHTTP(w, r)
		return
	}
	log.Printf("<%s> upgrade => backend", traceID)
	rt.adapter.ForwardUpgrade(w, r)
}

func (rt *Router) stripBasePath(path string) string {
	if rt.basePath == "" {
		return path
	}
	if path == rt.basePath {
		return "/"
	}
	if strings.HasPrefix(path, rt.basePath+"/") {
		return strings.TrimPrefix(path, rt.basePath)
	}
	return path
}

func isBackendPath(path string) bool {
	if path == "/" || path == "" {
		return true
	}
	for _, prefix := range backendPathPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
