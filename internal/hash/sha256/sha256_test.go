package sha256

import "testing"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestHasherTruncated(t *testing.T) {
	t.Parallel()

	got, err := NewTruncated(16).Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != "b94d27b9934d3e08" {
		t.Fatalf("expected 16-char prefix, got %s", got)
	}
	full, _ := NewTruncated(100).Hash([]byte("hello world"))
	if len(full) != 64 {
		t.Fatalf("expected full digest for oversized length, got %d chars", len(full))
	}
}
