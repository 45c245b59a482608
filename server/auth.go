package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// WorkerAuth decides whether a connection may join the worker endpoint.
// With neither a token nor a JWT secret configured every worker is accepted.
type WorkerAuth struct {
	Token     string
	JWTSecret []byte
}

type WorkerClaims struct {
	Shard string `json:"shard,omitempty"`
	jwt.RegisteredClaims
}

func (a WorkerAuth) Enabled() bool {
	return a.Token != "" || len(a.JWTSecret) > 0
}

// Authenticate checks the Authorization header, either a raw shared token or
// "Bearer <jwt>" signed with HS256. A JWT may name the shard the worker
// should default to; that name is returned.
func (a WorkerAuth) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return "", nil
	}

	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", ErrUnauthorized
	}

	if a.Token != "" && subtle.ConstantTimeCompare([]byte(auth), []byte(a.Token)) == 1 {
		return "", nil
	}

	if len(a.JWTSecret) > 0 && strings.HasPrefix(auth, "Bearer ") {
		tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		claims := &WorkerClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return a.JWTSecret, nil
		})
		if err == nil && token.Valid {
			return claims.Shard, nil
		}
	}

	return "", ErrUnauthorized
}
