package mtf

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/nimblezip/pbzip2/internal/bitio"
)

func TestListDecodeRotation(t *testing.T) {
	l := NewAlphabet([]byte{'a', 'b', 'c', 'd'})
	if got := l.First(); got != 'a' {
		t.Fatalf("First() = %c, want a", got)
	}
	// rank 2 is 'c'; after decoding it should move to front: c,a,b,d
	if got := l.Decode(2); got != 'c' {
		t.Fatalf("Decode(2) = %c, want c", got)
	}
	if got := l.First(); got != 'c' {
		t.Fatalf("First() after Decode(2) = %c, want c", got)
	}
	// rank 2 is now 'b'; decoding it moves it to front: b,c,a,d
	if got := l.Decode(2); got != 'b' {
		t.Fatalf("Decode(2) = %c, want b", got)
	}
	if got := l.First(); got != 'b' {
		t.Fatalf("First() after second Decode(2) = %c, want b", got)
	}
}

func TestNewIdentity(t *testing.T) {
	l := NewIdentity(5)
	for i := 0; i < 5; i++ {
		if got := l.Decode(i); got != byte(i) {
			t.Fatalf("Decode(%v) = %v, want %v", i, got, i)
		}
	}
}

func writeBitmap(ranges uint16, perRange map[uint]uint16) []byte {
	var w struct {
		buf  []byte
		bits uint
	}
	writeBits := func(v uint32, n uint) {
		for i := int(n) - 1; i >= 0; i-- {
			bit := (v >> uint(i)) & 1
			byteIdx := w.bits / 8
			for int(byteIdx) >= len(w.buf) {
				w.buf = append(w.buf, 0)
			}
			if bit == 1 {
				w.buf[byteIdx] |= 1 << (7 - (w.bits % 8))
			}
			w.bits++
		}
	}
	writeBits(uint32(ranges), 16)
	for r := uint(0); r < 16; r++ {
		if ranges&(1<<(15-r)) == 0 {
			continue
		}
		writeBits(uint32(perRange[r]), 16)
	}
	return w.buf
}

func TestReadUsedSymbols(t *testing.T) {
	// Range 0 (symbols 0..15): symbols 1 and 3 present.
	// Range 15 (symbols 240..255): symbol 255 present.
	buf := writeBitmap(1<<15|1<<0, map[uint]uint16{
		0:  1<<14 | 1<<12, // bits for symbol 1 and symbol 3 within the range
		15: 1 << 0,        // last bit in the range -> symbol 255
	})
	br := bitio.New(bytes.NewReader(buf))
	used, err := ReadUsedSymbols(&br)
	if err != nil {
		t.Fatalf("ReadUsedSymbols: %v", err)
	}
	want := []byte{1, 3, 255}
	if !reflect.DeepEqual(used, want) {
		t.Fatalf("got %v, want %v", used, want)
	}
}

func TestReadUsedSymbolsNoneSet(t *testing.T) {
	buf := writeBitmap(0, nil)
	br := bitio.New(bytes.NewReader(buf))
	if _, err := ReadUsedSymbols(&br); err == nil {
		t.Fatalf("expected an error when no symbols are present")
	}
}
