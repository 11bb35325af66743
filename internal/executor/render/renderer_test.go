package render

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/hash/sha256"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/storage/memory"
)

func TestRunStoresContentAddressedImage(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	png := []byte("\x89PNG fake image")
	r, err := New(fakeCapturer{png: png}, blobs, sha256.New(), "/images/", nil, nil)
	require.NoError(t, err)

	completion, err := r.Run(context.Background(), rendler.Task{ID: "00003", Kind: rendler.KindRender, URL: "https://a"})
	require.NoError(t, err)

	digest, err := sha256.New().Hash(png)
	require.NoError(t, err)
	path := sha256.ObjectPath("images", digest, ".png")

	res := completion.(rendler.RenderResult)
	require.Equal(t, "00003", res.TaskID)
	require.Equal(t, "https://a", res.URL)
	require.Equal(t, "memory://"+path, res.ImageURL)

	stored, contentType, ok := blobs.Object(path)
	require.True(t, ok)
	require.Equal(t, png, stored)
	require.Equal(t, "image/png", contentType)
}

func TestRunSameImageSameObject(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	r, err := New(fakeCapturer{png: []byte("same")}, blobs, nil, "", nil, nil)
	require.NoError(t, err)

	first, err := r.Run(context.Background(), rendler.Task{ID: "1", Kind: rendler.KindRender, URL: "https://a"})
	require.NoError(t, err)
	second, err := r.Run(context.Background(), rendler.Task{ID: "2", Kind: rendler.KindRender, URL: "https://a/"})
	require.NoError(t, err)
	require.Equal(t, first.(rendler.RenderResult).ImageURL, second.(rendler.RenderResult).ImageURL)
	require.Len(t, blobs.Paths(), 1)
}

func TestRunPropagatesCaptureErrors(t *testing.T) {
	t.Parallel()

	r, err := New(fakeCapturer{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}, memory.NewBlobStore(), nil, "", nil, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), rendler.Task{ID: "1", Kind: rendler.KindRender, URL: "https://nowhere"})
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")

	r, err = New(fakeCapturer{}, memory.NewBlobStore(), nil, "", nil, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), rendler.Task{ID: "2", Kind: rendler.KindRender, URL: "https://blank"})
	require.ErrorContains(t, err, "empty image")
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, memory.NewBlobStore(), nil, "", nil, nil)
	require.Error(t, err)
	_, err = New(fakeCapturer{}, nil, nil, "", nil, nil)
	require.Error(t, err)
}

func TestNewChromeValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChrome(ChromeConfig{MaxParallel: -1})
	require.Error(t, err)

	c, err := NewChrome(ChromeConfig{MaxParallel: 2})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, 2, cap(c.limiter))
	require.Equal(t, 45*time.Second, c.cfg.NavigationTimeout)
	require.EqualValues(t, 1280, c.cfg.ViewportWidth)
}

func TestChromeAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	c, err := NewChrome(ChromeConfig{MaxParallel: 1})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.acquire(ctx))
	c.release()
	require.NoError(t, c.acquire(context.Background()))
}

type fakeCapturer struct {
	png []byte
	err error
}

func (f fakeCapturer) Capture(context.Context, string) ([]byte, error) {
	return f.png, f.err
}
