package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

/*
upgrader is used to establish a WebSocket connection.  It is safe for concurrent
use.
*/
type upgrader struct {
	websocket.Upgrader
}

/*
originPolicy decides which browser origins may open a connection.  Origins are
compared by lowercased scheme and host.
*/
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	log      *zap.Logger
}

func newUpgrader(origins []string, log *zap.Logger) upgrader {
	p := newOriginPolicy(origins, log)

	return upgrader{websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     p.check,
	}}
}

/*
newOriginPolicy normalizes the configured origins.  "*" allows every origin;
invalid entries are ignored.
*/
func newOriginPolicy(origins []string, log *zap.Logger) originPolicy {
	p := originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		log:     log,
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

/*
check reports whether the request may be upgraded.  Requests without an
Origin header come from non-browser clients and are allowed, the same as the
gorilla default.
*/
func (p originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	p.log.Info("blocked connection from disallowed origin", zap.String("origin", header))
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
