package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"gamechat/pkg/logger"
)

var ErrNoSubject = errors.New("token carries no user id")

// userIDClaims are tried in order to find the user id.
var userIDClaims = []string{"sub", "uid", "id", "_id"}

// JWTVerifier validates bearer tokens signed either with a shared HMAC secret
// or with keys published at a JWKS endpoint.
type JWTVerifier struct {
	keyFunc jwt.Keyfunc
	methods []string
	jwks    *keyfunc.JWKS
}

func NewHMACVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	key := []byte(secret)
	return &JWTVerifier{
		keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
		methods: []string{"HS256", "HS384", "HS512"},
	}, nil
}

func NewJWKSVerifier(url string) (*JWTVerifier, error) {
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Warn("JWKS refresh from %s failed: %v", url, err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load jwks from %s: %w", url, err)
	}
	return &JWTVerifier{
		keyFunc: jwks.Keyfunc,
		methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"},
		jwks:    jwks,
	}, nil
}

func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, jwt.WithValidMethods(v.methods))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	for _, name := range userIDClaims {
		if id, ok := claims[name].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", ErrNoSubject
}

func (v *JWTVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// IssueHMACToken signs a short-lived HS256 token for local development.
func IssueHMACToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
