// Package mtf implements the move-to-front list used to decode bzip2's
// per-block symbol stream, along with the 16x16 presence-bitmap read
// that determines which byte values actually occur in a block.
package mtf

import "github.com/nimblezip/pbzip2/internal/bitio"

// structuralError lets this package raise the same kind of error value
// a pbzip2.StructuralError carries without importing the root package.
type structuralError string

func (s structuralError) Error() string { return string(s) }

// List is a move-to-front list over a fixed alphabet of bytes.
type List struct {
	symbols []byte
}

// NewAlphabet builds a move-to-front list whose initial order is the
// ascending set of symbols given (typically the symbols actually
// present in a block, as reported by ReadUsedSymbols).
func NewAlphabet(used []byte) *List {
	l := &List{symbols: make([]byte, len(used))}
	copy(l.symbols, used)
	return l
}

// NewIdentity builds a move-to-front list over the identity alphabet
// 0..n-1; used to decode the per-block Huffman-tree selector stream.
func NewIdentity(n int) *List {
	l := &List{symbols: make([]byte, n)}
	for i := range l.symbols {
		l.symbols[i] = byte(i)
	}
	return l
}

// First returns the symbol currently at the front of the list without
// moving anything; run-length expansions always replicate this value.
func (l *List) First() byte {
	return l.symbols[0]
}

// Decode moves the symbol at position rank to the front of the list
// and returns it.
func (l *List) Decode(rank int) byte {
	v := l.symbols[rank]
	copy(l.symbols[1:rank+1], l.symbols[:rank])
	l.symbols[0] = v
	return v
}

// ReadUsedSymbols reads the two-level, 16x16 bitmap that identifies
// which of the 256 byte values occur anywhere in a block, returning
// them in ascending order. Returns a structural error if no symbol is
// present (every block must encode at least the end-of-block symbol's
// surrounding alphabet).
func ReadUsedSymbols(br *bitio.Reader) ([]byte, error) {
	rangesUsed := br.ReadBits(16)
	present := make([]bool, 256)
	n := 0
	for r := uint(0); r < 16; r++ {
		if rangesUsed&(1<<(15-r)) == 0 {
			continue
		}
		bits := br.ReadBits(16)
		for s := uint(0); s < 16; s++ {
			if bits&(1<<(15-s)) != 0 {
				present[16*r+s] = true
				n++
			}
		}
	}
	if n == 0 {
		return nil, structuralError("no symbols in input")
	}
	used := make([]byte, 0, n)
	for i := 0; i < 256; i++ {
		if present[i] {
			used = append(used, byte(i))
		}
	}
	return used, nil
}
