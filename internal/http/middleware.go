package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// CartTokenHeader carries the session token of an anonymous cart.
const CartTokenHeader = "X-Cart-Token"

type ctxKey int

const principalKey ctxKey = iota

// Principal is the caller as established by AuthMiddleware.
type Principal struct {
	Username  string
	Role      domain.Role
	CartToken string
}

func (p Principal) Authenticated() bool {
	return p.Username != ""
}

func (p Principal) IsAdmin() bool {
	return p.Role == domain.RoleAdmin
}

// Identity is the cart owner: the user when authenticated, otherwise the cart token.
func (p Principal) Identity() domain.Identity {
	if p.Authenticated() {
		return domain.UserIdentity(p.Username)
	}
	return domain.AnonymousIdentity(p.CartToken)
}

func principalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey).(Principal)
	return p
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

var errInvalidToken = errors.New("invalid token")

// AuthMiddleware validates an optional HS256 bearer token. The subject claim is the
// username and the role claim the user's role. Requests without a token pass
// through as anonymous; a malformed token or one without a valid expiry is rejected.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := Principal{CartToken: strings.TrimSpace(r.Header.Get(CartTokenHeader))}

			if header := r.Header.Get("Authorization"); header != "" {
				username, role, err := parseBearer(header, secret)
				if err != nil {
					respondError(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
					return
				}
				p.Username, p.Role = username, role
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func parseBearer(header string, secret []byte) (string, domain.Role, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", "", errInvalidToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", errInvalidToken
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = string(domain.RoleUser)
	}
	return sub, domain.Role(role), nil
}

func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFromContext(r.Context()).Authenticated() {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		if !p.Authenticated() {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		if !p.IsAdmin() {
			respondError(w, http.StatusForbidden, "permission_denied", "administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCartOwner admits authenticated users and anonymous callers with a cart token.
func RequireCartOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFromContext(r.Context()).Identity().Valid() {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication or "+CartTokenHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}
