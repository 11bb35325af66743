package sha256

import (
	"errors"
	"strings"
	"testing"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, got)
	}
	streamed, err := h.HashReader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("HashReader() error = %v", err)
	}
	if streamed != got {
		t.Fatalf("expected stream digest to match, got %s vs %s", streamed, got)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestHashReaderError(t *testing.T) {
	t.Parallel()

	if _, err := New().HashReader(brokenReader{}); err == nil {
		t.Fatal("expected read error to surface")
	}
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	if got := ObjectPath("images", helloDigest, ".png"); got != "images/b9/"+helloDigest+".png" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ObjectPath("images", "a", ".png"); got != "images/a.png" {
		t.Fatalf("unexpected short path %s", got)
	}
}
