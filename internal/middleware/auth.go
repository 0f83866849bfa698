package middleware

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	headerActor    = "X-Admin-Actor"
	headerAPIKey   = "X-API-Key"
	maxActorLength = 64
)

type actorCtxKey struct{}

// AdminAuth returns middleware that checks the admin token against a bcrypt
// hash. The token is read from "Authorization: Bearer <token>" or X-API-Key.
// An empty hash disables the check, which is meant for local development.
//
// The caller's X-Admin-Actor header names who is acting and ends up as
// created_by on stored versions; defaultActor is used when it is absent.
func AdminAuth(tokenHash, defaultActor string) func(http.Handler) http.Handler {
	hash := []byte(tokenHash)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) > 0 {
				token := bearerToken(r)
				if token == "" {
					http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
					return
				}
				if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
					http.Error(w, `{"error":"invalid admin token"}`, http.StatusUnauthorized)
					return
				}
			}

			actor := sanitizeActor(r.Header.Get(headerActor))
			if actor == "" {
				actor = defaultActor
			}
			ctx := context.WithValue(r.Context(), actorCtxKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext returns the admin actor set by AdminAuth, or "".
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorCtxKey{}).(string)
	return actor
}

func bearerToken(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return key
	}
	h := r.Header.Get("Authorization")
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h {
		return ""
	}
	return strings.TrimSpace(token)
}

// sanitizeActor keeps printable characters and caps the length; the value is
// stored and logged verbatim.
func sanitizeActor(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
	if len(s) > maxActorLength {
		s = s[:maxActorLength]
	}
	return s
}
