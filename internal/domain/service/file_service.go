package service

import (
	"context"
	"io"
)

// ObjectStorage stores message attachments.
type ObjectStorage interface {
	// Upload writes the object under key and returns its public URL.
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
