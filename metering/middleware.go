// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"inventum/platform/metering/ratelimit"
	"inventum/platform/shared/logger"
)

type contextKey string

// callerKey carries the authenticated caller identity through the request
const callerKey contextKey = "meterd-caller"

// Caller is the authenticated identity extracted from a service token
type Caller struct {
	Subject   string
	AccountID string
}

// CallerFrom returns the authenticated caller, if any
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey).(*Caller)
	return c, ok
}

// exempt paths skip token auth: health checks, metrics scrapes, CORS
// preflights, and webhook deliveries (verified by HMAC signature instead)
func authExempt(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	p := r.URL.Path
	return p == "/health" || p == "/metrics" || p == "/prometheus" || strings.HasPrefix(p, "/webhooks/")
}

// AuthMiddleware validates the Bearer service token on metering APIs.
// Tokens are HMAC-signed by the API gateway with account_id and sub
// claims.
func AuthMiddleware(secret string, lg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authExempt(r) {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeAuthError(w, "Missing authorization token")
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				lg.Warn("", "", "Rejected request with invalid token", map[string]interface{}{
					"path": r.URL.Path,
				})
				writeAuthError(w, "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeAuthError(w, "Invalid token claims")
				return
			}

			caller := &Caller{
				Subject:   claimString(claims, "sub"),
				AccountID: claimString(claims, "account_id"),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}

// RateLimitMiddleware throttles the chat usage endpoint per account. Other
// metering endpoints are workflow-driven and already bounded by report
// admission, so only chat traffic is limited here.
func RateLimitMiddleware(limiter ratelimit.Limiter, lg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/chat-usage") || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			identity := r.URL.Path
			if caller, ok := CallerFrom(r.Context()); ok && caller.AccountID != "" {
				identity = caller.AccountID
			}

			decision, err := limiter.Allow(r.Context(), identity)
			if err != nil {
				// Fail open, the ledger still meters actual usage
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
