package config

import "strings"

const (
	// DefaultContentDir is the working directory handed to the backend when no
	// directory is configured or the configured one cannot be created.
	DefaultContentDir = "/content"

	// DefaultNotarySecretPath is where the backend's notebook notary secret
	// lives. The path is fixed for a container run.
	DefaultNotarySecretPath = "/content/datalab/.config/notary_secret"

	// DefaultBackendPort is the loopback port the backend is asked to listen
	// on. It is reused across restarts within a single run.
	DefaultBackendPort = 9000
)

// Config carries the settings the control plane reads at startup. It is
// assembled once in cmd/serve and treated as read-only afterwards.
type Config struct {
	ListenAddr string // address the front server listens on, e.g. ":8080"
	BasePath   string // URL prefix all routes are nested under; "" for root

	ContentDir       string // backend working directory
	BackendPort      int    // loopback port assigned to the backend
	BackendCommand   string // executable spawned as the backend
	BackendArgs      []string
	NotarySecretPath string

	AllowedOrigins *OriginSet

	AuditDBPath string // sqlite file for the lifecycle audit log; "" disables it
}

// NormalizeBasePath canonicalizes a configured base path: a leading slash, no
// trailing slash, and "" for the root.
func NormalizeBasePath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// OriginSet is an immutable set of origin strings loaded once at startup and
// consulted read-only when rewriting proxied response headers.
type OriginSet struct {
	origins map[string]struct{}
}

// NewOriginSet builds an OriginSet from a list of origins. Empty entries are
// ignored.
func NewOriginSet(origins []string) *OriginSet {
	s := &OriginSet{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			s.origins[o] = struct{}{}
		}
	}
	return s
}

// ParseOriginSet builds an OriginSet from a comma-separated flag value.
func ParseOriginSet(value string) *OriginSet {
	return NewOriginSet(strings.Split(value, ","))
}

// Contains reports whether origin is in the set. A nil set contains nothing.
func (s *OriginSet) Contains(origin string) bool {
	if s == nil {
		return false
	}
	_, ok := s.origins[origin]
	return ok
}

// Len returns the number of origins in the set.
func (s *OriginSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.origins)
}
