// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package auth resolves request identity. Registered users present an
// HMAC-signed JWT; everyone else gets a stable anonymous identity so
// quota still has something to meter.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yapit-tts/yapit/internal/logging"
)

type contextKey int

const (
	userIDKey contextKey = iota
	anonymousKey
)

// AnonHeader carries the client-held anonymous identity across requests.
const AnonHeader = "X-Anon-Id"

// ErrInvalidToken is returned for malformed or badly signed tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Config holds token verification settings.
type Config struct {
	// Secret is the HMAC signing key. Empty disables JWT verification
	// and every request is anonymous.
	Secret string
}

// Verifier authenticates requests.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// ParseToken validates the JWT and returns the subject.
func (v *Verifier) ParseToken(tokenStr string) (string, error) {
	if v.cfg.Secret == "" {
		return "", ErrInvalidToken
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// Middleware resolves the request identity into the context. A bad token
// is rejected outright; a missing one falls back to anonymous.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Websocket clients cannot set headers from the browser, so the
		// token may also arrive as a query parameter.
		tokenStr := ""
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenStr = strings.TrimPrefix(header, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			tokenStr = q
		}
		if tokenStr != "" {
			sub, err := v.ParseToken(tokenStr)
			if err != nil {
				logging.Warn().Err(err).Msg("rejected bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx = context.WithValue(ctx, userIDKey, sub)
			ctx = context.WithValue(ctx, anonymousKey, false)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		anonID := r.Header.Get(AnonHeader)
		if anonID == "" {
			anonID = r.URL.Query().Get("anon_id")
		}
		if anonID == "" {
			anonID = "anon-" + uuid.New().String()
		}
		ctx = context.WithValue(ctx, userIDKey, anonID)
		ctx = context.WithValue(ctx, anonymousKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the resolved identity, or "" outside the middleware.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// IsAnonymous reports whether the identity is unauthenticated. Unresolved
// contexts count as anonymous.
func IsAnonymous(ctx context.Context) bool {
	if anon, ok := ctx.Value(anonymousKey).(bool); ok {
		return anon
	}
	return true
}
