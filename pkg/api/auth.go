package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials accepted by the API.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool
}

// openPaths are served without credentials so probes and scrapers keep
// working on a locked down daemon.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// streamPaths accept the key as a query parameter since browser
// EventSource clients cannot set headers.
var streamPaths = map[string]bool{
	"/api/v1/events/stream": true,
	"/api/v1/log/stream":    true,
}

// authMiddleware rejects requests that carry no valid credential.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || cfg.permits(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="ipf API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}

// permits reports whether r carries a Basic, Bearer, X-API-Key or (on
// stream endpoints) api_key credential.
func (cfg AuthConfig) permits(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		return cfg.validUser(user, pass)
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cfg.validKey(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return cfg.validKey(key)
	}
	if streamPaths[r.URL.Path] {
		return cfg.validKey(r.URL.Query().Get("api_key"))
	}
	return false
}

func (cfg AuthConfig) validUser(user, pass string) bool {
	want, ok := cfg.Users[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

func (cfg AuthConfig) validKey(key string) bool {
	if key == "" {
		return false
	}
	found := 0
	for k := range cfg.APIKeys {
		found |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return found == 1
}
