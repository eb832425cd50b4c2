package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/npezzotti/shadow-rooms/internal/identity"
)

// SessionHeader carries the client's opaque session token on REST calls.
const SessionHeader = "X-Session-Id"

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, identityHash string) context.Context {
	return context.WithValue(ctx, identityKey, identityHash)
}

func Identity(ctx context.Context) (string, bool) {
	identityHash, ok := ctx.Value(identityKey).(string)

	return identityHash, ok && identityHash != ""
}

func (s *RoomsApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeError(w, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware derives the caller's identity from the session header.
// The raw token never leaves this function.
func (s *RoomsApp) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(SessionHeader)
		if !identity.ValidToken(token) {
			s.writeError(w, NewInvalidInputError("missing x-session-id"))
			return
		}

		ctx := WithIdentity(r.Context(), s.cs.IdentityFor(token))
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
