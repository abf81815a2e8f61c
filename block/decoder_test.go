package block

import (
	"bytes"
	"io"
	"testing"

	"github.com/nimblezip/pbzip2/internal/bitio"
	"github.com/nimblezip/pbzip2/internal/bzfixture"
)

func decodeFixture(t *testing.T, plain []byte) []byte {
	t.Helper()
	eb := bzfixture.BuildBlockPayload(plain)
	br := bitio.New(bytes.NewReader(eb.Payload))
	b, err := Decode(&br, len(plain)+64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := io.ReadAll(readerFunc(b.Read))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return got
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("hello, world\n"),
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		[]byte("abcabcabcabcabcabcabcabcabcabcabcabc"),
		bytes.Repeat([]byte{0}, 512),
		bzfixture.RandomBytes(1, 2048),
	}
	for i, plain := range cases {
		got := decodeFixture(t, plain)
		if !bytes.Equal(got, plain) {
			t.Fatalf("case %d: got %q, want %q", i, got, plain)
		}
	}
}

func TestDecodeBadCRCFails(t *testing.T) {
	plain := []byte("corrupt me")
	eb := bzfixture.BuildBlockPayload(plain)
	// Invert the payload's last byte to corrupt the end of the symbol
	// stream without touching the header fields read first.
	corrupt := append([]byte{}, eb.Payload...)
	corrupt[len(corrupt)-1] ^= 0xff

	br := bitio.New(bytes.NewReader(corrupt))
	b, err := Decode(&br, len(plain)+64)
	if err != nil {
		// A structural error while parsing the corrupted header/stream
		// is an acceptable way for this corruption to surface.
		return
	}
	_, err = io.ReadAll(readerFunc(b.Read))
	if err == nil {
		t.Fatalf("expected an error decoding corrupted block, got none")
	}
}
