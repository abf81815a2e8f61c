package pbzip2_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/nimblezip/pbzip2"
	"github.com/nimblezip/pbzip2/internal/bzfixture"
)

func buildStream(t *testing.T, level byte, blocks [][]byte) ([]byte, []byte) {
	t.Helper()
	var want []byte
	for _, b := range blocks {
		want = append(want, b...)
	}
	return bzfixture.BuildStream(level, blocks), want
}

func TestParallelReaderConcurrency(t *testing.T) {
	blocks := [][]byte{
		bzfixture.RandomBytes(1, 8192),
		bzfixture.RandomBytes(2, 8192),
		bzfixture.RandomBytes(3, 8192),
		bzfixture.RandomBytes(4, 8192),
	}
	stream, want := buildStream(t, '9', blocks)

	ctx := context.Background()
	for _, concurrency := range []int{1, 2, runtime.GOMAXPROCS(-1)} {
		rd := pbzip2.NewParallelReader(ctx, bytes.NewReader(stream),
			pbzip2.WithDecoderOptions(pbzip2.WithConcurrency(concurrency)))
		got, err := io.ReadAll(rd)
		if err != nil {
			t.Fatalf("concurrency %v: ReadAll: %v", concurrency, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("concurrency %v: got %d bytes, want %d", concurrency, len(got), len(want))
		}
	}
}

func TestParallelReaderEmptyStream(t *testing.T) {
	stream, _ := buildStream(t, '9', nil)

	ctx := context.Background()
	got, err := io.ReadAll(pbzip2.NewParallelReader(ctx, bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestParallelReaderCancelation(t *testing.T) {
	blocks := [][]byte{
		bzfixture.RandomBytes(11, 65536),
		bzfixture.RandomBytes(12, 65536),
		bzfixture.RandomBytes(13, 65536),
	}
	stream, _ := buildStream(t, '9', blocks)

	ctx, cancel := context.WithCancel(context.Background())
	rd := pbzip2.NewParallelReader(ctx, bytes.NewReader(stream))
	cancel()
	_, err := io.ReadAll(rd)
	if err == nil {
		t.Fatalf("expected an error from a canceled context")
	}
}

type errorReader struct{}

func (er *errorReader) Read(buf []byte) (int, error) {
	return 0, fmt.Errorf("oops")
}

func TestParallelReaderErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := io.ReadAll(pbzip2.NewParallelReader(ctx, bytes.NewBuffer(nil))); err == nil {
		t.Errorf("expected an error reading an empty stream")
	}

	if _, err := io.ReadAll(pbzip2.NewParallelReader(ctx, &errorReader{})); err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("got %v, want an error containing %q", err, "oops")
	}

	if _, err := io.ReadAll(pbzip2.NewParallelReader(ctx, bytes.NewReader([]byte{0x1, 0x1, 0x1}))); err == nil {
		t.Errorf("expected an error reading a too-short header")
	}

	stream, _ := buildStream(t, '9', [][]byte{[]byte("hello")})
	corrupt := append([]byte{}, stream...)
	corrupt[len(corrupt)-2] ^= 0xff
	if _, err := io.ReadAll(pbzip2.NewParallelReader(ctx, bytes.NewReader(corrupt))); err == nil {
		t.Errorf("expected a checksum error from a corrupted trailer")
	}
}
