// Package auth carries the request-scoped principal and the bearer-token
// middleware that establishes it.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/futuesigndev/fsapi/pkg/apperr"
	"github.com/futuesigndev/fsapi/pkg/httpx"
	"github.com/futuesigndev/fsapi/pkg/token"
)

// Principal is the authenticated caller behind a request.
type Principal struct {
	Subject string
	Kind    token.Kind
	Extra   map[string]any
}

// RateKey is the stable identity used for rate-limit bucketing.
func (p Principal) RateKey() string {
	return string(p.Kind) + ":" + p.Subject
}

type contextKey string

const principalContextKey contextKey = "fsapi.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Middleware authenticates the bearer token and stores the principal in the
// request context. User tokens are checked against the live principal
// registry; a deactivated employee's token dies here even before expiry.
func Middleware(codec *token.Codec, userExists token.ExistenceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.WriteAppError(w, apperr.New(apperr.CodeAuthentication, "missing bearer token"))
				return
			}
			claims, err := codec.DecodeAny(r.Context(), raw, userExists)
			if err != nil {
				httpx.WriteAppError(w, authError(err))
				return
			}
			p := Principal{Subject: claims.Subject, Kind: claims.Kind, Extra: claims.Extra}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireKind guards a route subtree for the given token kinds. It composes
// after Middleware; a request with no principal is a programming error and
// fails closed.
func RequireKind(kinds ...token.Kind) func(http.Handler) http.Handler {
	allowed := make(map[token.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.WriteAppError(w, apperr.New(apperr.CodeAuthentication, "missing bearer token"))
				return
			}
			if _, ok := allowed[p.Kind]; !ok {
				httpx.WriteAppError(w, apperr.Newf(apperr.CodeAuthorization, "%s tokens cannot access this resource", p.Kind))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(header[len("bearer "):])
	return raw, raw != ""
}

func authError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return apperr.New(apperr.CodeAuthentication, "token expired")
	case errors.Is(err, token.ErrPrincipalNotFound):
		return apperr.New(apperr.CodeAuthentication, "principal no longer active")
	case errors.Is(err, token.ErrMalformed), errors.Is(err, token.ErrSubjectMissing), errors.Is(err, token.ErrWrongType):
		return apperr.New(apperr.CodeAuthentication, "invalid token")
	default:
		// Not a verdict on the token: the existence check itself failed.
		return apperr.New(apperr.CodeInternal, "authentication check failed")
	}
}
