// Package identity turns a bearer token issued elsewhere into the user id the
// rest of the engine works with. It verifies tokens; it never issues them.
package identity

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/transport"
	"github.com/frahmantamala/access-control/pkg/logger"
)

// Claims accepts either a user_id claim or the standard subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// Verify checks the signature and expiry of an HS256 token and returns the
// user it identifies.
func (v *Verifier) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", internal.ErrTokenExpired
		}
		return "", internal.ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Identity() == "" {
		return "", internal.ErrInvalidToken
	}
	return claims.Identity(), nil
}

type Middleware struct {
	*transport.BaseHandler
	verifier *Verifier
}

func NewMiddleware(baseHandler *transport.BaseHandler, verifier *Verifier) *Middleware {
	return &Middleware{
		BaseHandler: baseHandler,
		verifier:    verifier,
	}
}

// Authenticate rejects requests without a valid bearer token and places the
// caller's id on the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.ExtractTokenFromHeader(r)
		if token == "" {
			m.HandleServiceError(w, internal.ErrMissingUser)
			return
		}

		userID, err := m.verifier.Verify(token)
		if err != nil {
			m.HandleServiceError(w, err)
			return
		}

		ctx := internal.ContextWithUserID(r.Context(), userID)
		ctx = logger.With(ctx, "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
