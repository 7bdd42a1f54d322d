// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originPolicy decides which browser origins may open a websocket. "*"
// admits every origin, including requests that send none.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   zerolog.Logger
}

func newOriginPolicy(origins []string, logger zerolog.Logger) originPolicy {
	p := originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
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

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		p.allowed[normalizedOrigin] = struct{}{}
	}

	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

func (p originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

func (p originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}

	p.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked websocket connection from disallowed origin")
	return false
}
