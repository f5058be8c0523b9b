package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/mahaj/schoolchat/pkg/model"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller stored by Middleware.
func PrincipalFrom(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) (string, error) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return "", ErrMissingToken
	}
	return tokenString, nil
}

// Authenticate validates the request's token and returns the caller.
func (s *Signer) Authenticate(r *http.Request) (model.Principal, error) {
	tokenString, err := TokenFromRequest(r)
	if err != nil {
		return model.Principal{}, err
	}
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return model.Principal{}, err
	}
	return claims.Principal(), nil
}

// Middleware rejects unauthenticated requests and puts the caller into
// the request context.
func (s *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
