package optimizer

import (
	"bytes"
	"strings"
	"testing"
)

func TestGzipCompressor_Thresholds(t *testing.T) {
	c := NewGzipCompressor(1024)

	if _, ok := c([]byte("short")); ok {
		t.Fatal("expected no compression below threshold")
	}

	// 4KB of highly repetitive (and thus very compressible) data.
	compressible := []byte(strings.Repeat("a", 4096))
	out, ok := c(compressible)
	if !ok {
		t.Fatal("expected compression for compressible payload over threshold")
	}
	if len(out) >= len(compressible) {
		t.Fatalf("expected compressed output smaller than input, got %d >= %d", len(out), len(compressible))
	}

	// Small non-repetitive data: rejected by the size threshold before
	// the 0.9x ratio check is ever reached.
	incompressible := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 1) // tiny on purpose
	if _, ok := c(incompressible); ok {
		t.Fatal("expected no compression below threshold for small incompressible data")
	}
}
