// Package render screenshots pages with headless Chrome and stores the images
// content-addressed in a BlobStore.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/hash/sha256"
	"github.com/Veterun/RENDLER/internal/rendler"
)

const imageContentType = "image/png"

// Capturer produces a PNG for a URL.
type Capturer interface {
	Capture(ctx context.Context, rawURL string) ([]byte, error)
}

// Waiter delays requests for politeness.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Renderer implements executor.Runner for render tasks.
type Renderer struct {
	capture Capturer
	blobs   rendler.BlobStore
	hasher  rendler.Hasher
	prefix  string
	wait    Waiter
	logger  *zap.Logger
}

// New builds a Renderer. Images are stored under prefix; wait may be nil.
func New(
	capture Capturer,
	blobs rendler.BlobStore,
	hasher rendler.Hasher,
	prefix string,
	wait Waiter,
	logger *zap.Logger,
) (*Renderer, error) {
	if capture == nil {
		return nil, errors.New("capturer is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "renders"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		capture: capture,
		blobs:   blobs,
		hasher:  hasher,
		prefix:  prefix,
		wait:    wait,
		logger:  logger,
	}, nil
}

// Run captures task.URL, stores the image and returns its URI.
func (r *Renderer) Run(ctx context.Context, task rendler.Task) (rendler.Completion, error) {
	if r.wait != nil {
		if err := r.wait.Wait(ctx, task.URL); err != nil {
			return nil, err
		}
	}
	png, err := r.capture.Capture(ctx, task.URL)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", task.URL, err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("capture %s: empty image", task.URL)
	}
	digest, err := r.hasher.Hash(png)
	if err != nil {
		return nil, fmt.Errorf("hash image: %w", err)
	}
	uri, err := r.blobs.PutObject(ctx, sha256.ObjectPath(r.prefix, digest, ".png"), imageContentType, bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}
	r.logger.Debug("page rendered", zap.String("url", task.URL), zap.String("image", uri), zap.Int("bytes", len(png)))
	return rendler.RenderResult{TaskID: task.ID, URL: task.URL, ImageURL: uri}, nil
}
