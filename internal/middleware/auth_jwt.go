package middleware

import (
	"errors"
	"net/http"

	"cartoon/internal/identity"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (identity.Claims, error)
}

// AuthJWT requires a valid bearer token and stores the user on the context.
// onError writes the rejection; it receives identity.ErrTokenExpired,
// identity.ErrTokenInvalid or ErrMissingToken.
func AuthJWT(verifier TokenVerifier, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := identity.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				onError(w, r, ErrMissingToken)
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			user := claims.User()
			ctx := identity.WithUser(r.Context(), user)
			if user.Locale != "" {
				ctx = withLocale(ctx, user.Locale, CountryFromContext(ctx))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ErrMissingToken is reported when the Authorization header carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")
