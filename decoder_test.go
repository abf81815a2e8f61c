package pbzip2

import (
	"bytes"
	"io"
	"testing"

	"github.com/nimblezip/pbzip2/internal/bzfixture"
)

func TestDecoderSingleBlock(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog\n")
	stream := bzfixture.BuildStream('9', [][]byte{plain})

	got, err := io.ReadAll(NewDecoder(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestDecoderMultipleBlocks(t *testing.T) {
	blocks := [][]byte{
		bytes.Repeat([]byte("ab"), 100),
		bzfixture.RandomBytes(7, 4096),
		[]byte("short tail"),
	}
	stream := bzfixture.BuildStream('1', blocks)

	var want []byte
	for _, b := range blocks {
		want = append(want, b...)
	}

	got, err := io.ReadAll(NewDecoder(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d bytes (mismatch)", len(got), len(want))
	}
}

func TestDecoderConcatenatedStreams(t *testing.T) {
	s1 := bzfixture.BuildStream('3', [][]byte{[]byte("first stream\n")})
	s2 := bzfixture.BuildStream('3', [][]byte{[]byte("second stream\n")})

	got, err := io.ReadAll(NewDecoder(bytes.NewReader(append(s1, s2...))))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := "first stream\nsecond stream\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecoderEmptyStream(t *testing.T) {
	stream := bzfixture.BuildStream('9', nil)

	got, err := io.ReadAll(NewDecoder(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestDecoderBadFileMagic(t *testing.T) {
	_, err := io.ReadAll(NewDecoder(bytes.NewReader([]byte("not a bzip2 file"))))
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestDecoderCorruptedStreamCRCFails(t *testing.T) {
	stream := bzfixture.BuildStream('9', [][]byte{[]byte("hello")})
	// The final 4 bytes before the trailing byte-alignment padding hold
	// the whole-stream CRC; flipping a bit there must be detected.
	corrupt := append([]byte{}, stream...)
	corrupt[len(corrupt)-2] ^= 0xff

	_, err := io.ReadAll(NewDecoder(bytes.NewReader(corrupt)))
	if err == nil {
		t.Fatalf("expected a checksum error")
	}
}
