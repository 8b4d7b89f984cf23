// Package auth verifies bearer tokens and carries the authenticated actor
// through the request context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

const issuer = "molpadrive"

var (
	ErrMissingToken = apperr.Auth("authorization header required")
	ErrInvalidToken = apperr.Auth("invalid or expired token")
)

type contextKey string

const actorContextKey contextKey = "actor"

// Verifier validates HS256 tokens whose subject is the owner ID.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue signs a token for ownerID. Tokens are normally minted by the
// identity provider; this is used by tests and the dev server.
func (v *Verifier) Issue(ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   ownerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the actor named by a valid token.
func (v *Verifier) Verify(token string) (entity.Actor, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || claims.Subject == "" {
		return entity.Actor{}, ErrInvalidToken
	}
	return entity.Actor{ID: claims.Subject}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware rejects requests without a valid bearer token and stores the
// actor in the context of the others.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, ErrMissingToken)
				return
			}
			actor, err := v.Verify(token)
			if err != nil {
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": apperr.PublicMessage(err),
		"code":  http.StatusUnauthorized,
	})
}

func WithActor(ctx context.Context, actor entity.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFrom returns the authenticated actor, or an AuthError outside of
// Middleware.
func ActorFrom(ctx context.Context) (entity.Actor, error) {
	actor, ok := ctx.Value(actorContextKey).(entity.Actor)
	if !ok || actor.ID == "" {
		return entity.Actor{}, ErrMissingToken
	}
	return actor, nil
}
