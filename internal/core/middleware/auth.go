package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/pkg/api"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

const claimsKey contextKey = "claims"

var ErrInvalidToken = errors.New("invalid token")

// Claims identify the caller. Subject is the user id; Contact is an optional
// notification address carried by the identity provider.
type Claims struct {
	Role    string `json:"role"`
	Contact string `json:"contact,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	log    logger.Logger
}

func NewAuthenticator(secret string, log logger.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), log: log}
}

func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	claims := new(Claims)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role == "" {
		claims.Role = RoleUser
	}
	return claims, nil
}

// Issue signs a token for userID with the given role.
func (a *Authenticator) Issue(userID, role, contact string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:    role,
		Contact: contact,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			// browsers cannot set headers on EventSource or WebSocket
			tokenString = r.URL.Query().Get("access_token")
		}
		if tokenString == "" {
			api.WriteError(w, http.StatusUnauthorized, "unauthorized", "authorization required", GetRequestID(r.Context()))
			return
		}

		claims, err := a.Parse(tokenString)
		if err != nil {
			a.log.Warn("Rejected bearer token",
				logger.StringField("path", r.URL.Path),
				logger.ErrorField("error", err))
			api.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token", GetRequestID(r.Context()))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole lets the request through only for the given roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || !slices.Contains(roles, claims.Role) {
				api.WriteError(w, http.StatusForbidden, "forbidden", "insufficient role", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

func UserID(r *http.Request) (string, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return "", false
	}
	return claims.Subject, true
}
