package compress

import (
	"bytes"
	"errors"
	"testing"
)

func testRoundTrip(t *testing.T, c Compressor) {
	t.Helper()
	src := bytes.Repeat([]byte("key:value,"), 200)
	comp := c.Compress(src)
	if len(comp) >= len(src) {
		t.Errorf("repetitive input did not shrink: %d -> %d", len(src), len(comp))
	}
	out, err := c.Expand(comp, len(src))
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if !bytes.Equal(out[:len(src)], src) {
		t.Error("round trip produced different bytes")
	}
}

func TestFastRoundTrip(t *testing.T) {
	testRoundTrip(t, Fast())
}

func TestHighRoundTrip(t *testing.T) {
	testRoundTrip(t, High())
}

func TestExpandRejectsGarbage(t *testing.T) {
	for _, c := range []Compressor{Fast(), High()} {
		_, err := c.Expand([]byte{0xde, 0xad, 0xbe, 0xef}, 16)
		if !errors.Is(err, ErrDecompression) {
			t.Errorf("expected ErrDecompression, got %v", err)
		}
	}
}

func TestExpandRejectsShortResult(t *testing.T) {
	src := []byte("short")
	for _, c := range []Compressor{Fast(), High()} {
		comp := c.Compress(src)
		_, err := c.Expand(comp, len(src)+100)
		if !errors.Is(err, ErrDecompression) {
			t.Errorf("expected ErrDecompression for short result, got %v", err)
		}
	}
}

func TestForPageType(t *testing.T) {
	if _, ok := ForPageType(false).(fastCodec); !ok {
		t.Error("low flag should select the fast codec")
	}
	if _, ok := ForPageType(true).(*highCodec); !ok {
		t.Error("high flag should select the high-ratio codec")
	}
}
