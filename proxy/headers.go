package proxy

import (
	"net/http"

	"github.com/craigcitro/backend-container/config"
)

// RewriteCORSHeaders applies the allow-list contract to a proxied response's
// headers. If the request's origin is in the allow-list, the response echoes
// it back and allows credentials. Otherwise any Access-Control-Allow-Origin
// header the upstream emitted is stripped: a wildcard from a misconfigured
// upstream must never reach the client without an explicit allow-list match.
func RewriteCORSHeaders(h http.Header, requestOrigin string, allowed *config.OriginSet) {
	if requestOrigin != "" && allowed.Contains(requestOrigin) {
		h.Set("Access-Control-Allow-Origin", requestOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		return
	}
	h.Del("Access-Control-Allow-Origin")
}
