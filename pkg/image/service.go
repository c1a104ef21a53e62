package image

import (
	"context"
)

// Service is the client side of the image manager.
type Service interface {
	// Pull resolves img according to its pull policy and returns the cache
	// key prefix and the program function name.
	Pull(ctx context.Context, img BytecodeImage) (PullResult, error)

	// GetBytecode returns the program payload cached under prefix.
	GetBytecode(ctx context.Context, prefix string) ([]byte, error)
}

var _ Service = (*Manager)(nil)
