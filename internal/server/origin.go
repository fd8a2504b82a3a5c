package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// normalizeOrigins lowercases scheme and host of every configured origin and
// reports whether the wildcard "*" was present.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}

		o, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("[hub] ignoring invalid origin in configuration: %q", origin)
			continue
		}
		normalized = append(normalized, o)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// originAllowed checks a raw Origin header against the active allowlist.
// A missing origin is refused.
func originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	o, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, exists := allowedOrigins[o]
	return exists
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if originAllowed(origin) {
		return true
	}
	log.Printf("[hub] blocked websocket handshake from disallowed origin %q", origin)
	return false
}
