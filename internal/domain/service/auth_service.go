package service

import "context"

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}
