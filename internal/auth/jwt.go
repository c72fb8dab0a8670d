package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier resolves an opaque bearer token to a stable user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier validates HS256 tokens signed by the identity provider.
type JWTVerifier struct {
	secret  []byte
	timeout time.Duration
}

func NewJWTVerifier(secret string, timeout time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), timeout: timeout}
}

// GenerateJWT issues a token for userID. Used for local development and tests.
func (v *JWTVerifier) GenerateJWT(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	if tokenString == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	type result struct {
		uid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		uid, err := v.validate(tokenString)
		done <- result{uid, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, ctx.Err())
	case r := <-done:
		return r.uid, r.err
	}
}

func (v *JWTVerifier) validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return sub, nil
}
