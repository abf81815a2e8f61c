// Package bzfixture builds syntactically valid, minimal bzip2 byte
// streams from plain input by hand-running the forward side of the
// block pipeline (RLE-4, BWT, move-to-front/run-length, canonical
// Huffman coding). It exists only to give tests something to decode:
// no compressed sample files ship alongside this module and no bzip2
// encoder is available to generate any, so tests build their own
// fixtures the way dsnet-compress's internal/testutil package builds
// bit-exact fixtures for its own codec tests. Not imported by any
// non-test code.
package bzfixture

import (
	"bytes"
	"math/rand"
	"sort"

	"github.com/nimblezip/pbzip2/internal/bzcrc"
)

var blockMagic = [6]byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}
var eosMagic = [6]byte{0x17, 0x72, 0x45, 0x38, 0x50, 0x90}

// RandomBytes returns n pseudo-random bytes generated from seed, for
// tests that want larger, less structured payloads than a literal
// string.
func RandomBytes(seed int64, n int) []byte {
	gen := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(gen.Intn(256))
	}
	return out
}

// bitWriter assembles a bitstream MSB-first, matching bzip2's framing.
type bitWriter struct {
	buf   []byte
	nbits uint
}

func (w *bitWriter) WriteBits(v uint64, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		bit := (v >> uint(i)) & 1
		byteIdx := w.nbits / 8
		for uint(len(w.buf)) <= byteIdx {
			w.buf = append(w.buf, 0)
		}
		if bit == 1 {
			w.buf[byteIdx] |= 1 << (7 - (w.nbits % 8))
		}
		w.nbits++
	}
}

func (w *bitWriter) WriteBytes(b []byte) {
	for _, x := range b {
		w.WriteBits(uint64(x), 8)
	}
}

func (w *bitWriter) Bytes() []byte { return w.buf }
func (w *bitWriter) Len() uint     { return w.nbits }

// forwardRLE1 applies bzip2's initial run-length pass: any run of 4 or
// more equal bytes is replaced by 4 literal copies followed by a count
// byte giving the number (0..255) of additional repeats.
func forwardRLE1(plain []byte) []byte {
	var out []byte
	i := 0
	for i < len(plain) {
		j := i + 1
		for j < len(plain) && j-i < 259 && plain[j] == plain[i] {
			j++
		}
		runLen := j - i
		if runLen >= 4 {
			out = append(out, plain[i], plain[i], plain[i], plain[i])
			out = append(out, byte(runLen-4))
		} else {
			out = append(out, plain[i:j]...)
		}
		i = j
	}
	return out
}

// forwardBWT computes the Burrows-Wheeler transform of s (naive
// O(n^2 log n) rotation sort; fine for the small inputs tests use) and
// returns the last column plus the index, within the sorted rotation
// order, of the rotation equal to s itself.
func forwardBWT(s []byte) (last []byte, origPtr int) {
	n := len(s)
	doubled := append(append([]byte{}, s...), s...)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return bytes.Compare(doubled[idx[a]:idx[a]+n], doubled[idx[b]:idx[b]+n]) < 0
	})
	last = make([]byte, n)
	for i, start := range idx {
		last[i] = s[(start+n-1)%n]
		if start == 0 {
			origPtr = i
		}
	}
	return
}

// bijectiveBase2 returns the digit sequence (each 0 = RUNA, 1 = RUNB),
// in emission order, that bzip2's run-length meta-symbols must encode
// to reproduce a run of length n (n >= 1) via the decoder's
// accumulation rule repeat += repeatPower<<digit; repeatPower <<= 1.
func bijectiveBase2(n int) []int {
	var digits []int
	for n > 0 {
		n--
		digits = append(digits, n%2)
		n /= 2
	}
	return digits
}

// mtfList is a small move-to-front list, independent of internal/mtf,
// used only to drive the forward encoding side.
type mtfList struct{ symbols []byte }

func newMTFList(used []byte) *mtfList {
	l := &mtfList{symbols: append([]byte{}, used...)}
	return l
}

func (l *mtfList) rankOf(b byte) int {
	for i, s := range l.symbols {
		if s == b {
			return i
		}
	}
	panic("bzfixture: symbol not in alphabet")
}

func (l *mtfList) moveToFront(rank int) {
	v := l.symbols[rank]
	copy(l.symbols[1:rank+1], l.symbols[:rank])
	l.symbols[0] = v
}

// forwardMTFRLE2 move-to-front encodes bwtLast against the ascending
// alphabet used, emitting RUNA/RUNB (0/1) meta-symbols for runs of the
// current front-of-list symbol and (rank+1) for every other symbol,
// followed by the end-of-block symbol len(used)+2-1.
func forwardMTFRLE2(bwtLast []byte, used []byte) []int {
	list := newMTFList(used)
	numSymbols := len(used) + 2
	var stream []int
	run := 0
	flush := func() {
		for _, d := range bijectiveBase2(run) {
			stream = append(stream, d)
		}
		run = 0
	}
	for _, b := range bwtLast {
		rank := list.rankOf(b)
		if rank == 0 {
			run++
			continue
		}
		if run > 0 {
			flush()
		}
		list.moveToFront(rank)
		stream = append(stream, rank+1)
	}
	if run > 0 {
		flush()
	}
	stream = append(stream, numSymbols-1)
	return stream
}

// usedSymbols returns the ascending set of distinct byte values in s.
func usedSymbols(s []byte) []byte {
	var present [256]bool
	for _, b := range s {
		present[b] = true
	}
	var used []byte
	for i := 0; i < 256; i++ {
		if present[i] {
			used = append(used, byte(i))
		}
	}
	return used
}

// balancedLengths returns a Kraft-equality-satisfying code length
// assignment for n symbols: symbols get length L or L-1 where L =
// ceil(log2(n)), chosen so the lengths sum to exactly 1 in Kraft's
// inequality. This does not attempt to be an efficient Huffman code;
// it only needs to be a valid one, since these fixtures are decoded,
// never measured for size.
func balancedLengths(n int) []uint8 {
	l := 0
	for (1 << l) < n {
		l++
	}
	x := (1 << l) - n
	lengths := make([]uint8, n)
	for i := 0; i < x; i++ {
		lengths[i] = uint8(l - 1)
	}
	for i := x; i < n; i++ {
		lengths[i] = uint8(l)
	}
	return lengths
}

type huffCode struct {
	bits uint32
	n    uint8
}

// canonicalCodes reproduces the code assignment internal/huffman.New
// performs internally (sort by (length,value) ascending, assign codes
// packed at the MSB end in descending-length order) and writes each
// code bit-inverted, because Tree.Decode follows a 1 bit into the half
// whose internal codes have a 0 at that position. The result is the
// standard bzip2 canonical code, i.e. the bits the decoder expects to
// read for each symbol of the same length table.
func canonicalCodes(lengths []uint8) []huffCode {
	type pair struct {
		value  int
		length uint8
	}
	pairs := make([]pair, len(lengths))
	for i, l := range lengths {
		pairs[i] = pair{i, l}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].length != pairs[j].length {
			return pairs[i].length < pairs[j].length
		}
		return pairs[i].value < pairs[j].value
	})
	out := make([]huffCode, len(lengths))
	code := uint32(0)
	length := uint8(32)
	for i := len(pairs) - 1; i >= 0; i-- {
		if length > pairs[i].length {
			length = pairs[i].length
		}
		out[pairs[i].value] = huffCode{^code >> (32 - pairs[i].length), pairs[i].length}
		code += 1 << (32 - length)
	}
	return out
}

// writeDeltaLengths writes one tree's code-length table using the
// 5-bit-base-plus-unary-delta scheme bzip2 uses.
func writeDeltaLengths(w *bitWriter, lengths []uint8) {
	cur := int(lengths[0])
	w.WriteBits(uint64(cur), 5)
	for _, target := range lengths {
		for cur != int(target) {
			w.WriteBits(1, 1) // continue
			if cur < int(target) {
				w.WriteBits(0, 1) // increment
				cur++
			} else {
				w.WriteBits(1, 1) // decrement
				cur--
			}
		}
		w.WriteBits(0, 1) // stop
	}
}

// EncodedBlock is the bit-level payload of one bzip2 block (everything
// after the 48 bit block magic and before the next block/EOS magic),
// plus the plaintext it decodes to, for test assertions.
type EncodedBlock struct {
	Plain   []byte
	Payload []byte
	Bits    uint
	CRC     uint32
}

// EncodeBlock builds one block's entropy-coded payload for plain.
func EncodeBlock(plain []byte) EncodedBlock {
	var crc bzcrc.CRC
	crc.Update(plain)

	rle1 := forwardRLE1(plain)
	if len(rle1) == 0 {
		panic("bzfixture: empty block")
	}
	last, origPtr := forwardBWT(rle1)
	used := usedSymbols(rle1)
	stream := forwardMTFRLE2(last, used)
	numSymbols := len(used) + 2

	lengths := balancedLengths(numSymbols)
	codes := canonicalCodes(lengths)

	const numTrees = 2
	numSelectors := (len(stream) + 49) / 50
	if numSelectors == 0 {
		numSelectors = 1
	}

	var w bitWriter
	w.WriteBits(uint64(crc.Sum32()), 32)
	w.WriteBits(0, 1) // not randomized
	w.WriteBits(uint64(origPtr), 24)

	// symbol presence bitmap, derived from `used`.
	var rangesUsed uint16
	var perRange [16]uint16
	for _, b := range used {
		r := b / 16
		s := b % 16
		rangesUsed |= 1 << (15 - r)
		perRange[r] |= 1 << (15 - s)
	}
	w.WriteBits(uint64(rangesUsed), 16)
	for r := 0; r < 16; r++ {
		if rangesUsed&(1<<(15-uint(r))) != 0 {
			w.WriteBits(uint64(perRange[r]), 16)
		}
	}

	w.WriteBits(numTrees, 3)
	w.WriteBits(uint64(numSelectors), 15)
	for i := 0; i < numSelectors; i++ {
		w.WriteBits(0, 1) // selector 0 (unary terminator bit), always tree index 0
	}
	for t := 0; t < numTrees; t++ {
		writeDeltaLengths(&w, lengths)
	}
	for _, sym := range stream {
		c := codes[sym]
		w.WriteBits(uint64(c.bits), uint(c.n))
	}

	return EncodedBlock{Plain: plain, Payload: w.Bytes(), Bits: w.Len(), CRC: crc.Sum32()}
}

// streamBuilder assembles a complete bzip2 byte stream: file header,
// one or more blocks (each framed by its own magic), the end-of-stream
// magic and whole-stream CRC, padded out to a byte boundary.
type streamBuilder struct {
	w bitWriter
}

func (s *streamBuilder) writeHeader(level byte) {
	s.w.WriteBytes([]byte{'B', 'Z', 'h', level})
}

func (s *streamBuilder) writeBlock(b EncodedBlock) {
	for _, m := range blockMagic {
		s.w.WriteBits(uint64(m), 8)
	}
	// Payload was assembled independently at byte granularity but its
	// true length is Bits; splice it in bit-by-bit so the overall
	// stream need not be byte aligned at block boundaries, matching
	// real bzip2 framing.
	remaining := b.Bits
	for _, by := range b.Payload {
		n := uint(8)
		if remaining < 8 {
			n = remaining
		}
		if n == 0 {
			break
		}
		s.w.WriteBits(uint64(by)>>(8-n), n)
		remaining -= n
	}
}

func (s *streamBuilder) finish(streamCRC uint32) []byte {
	for _, m := range eosMagic {
		s.w.WriteBits(uint64(m), 8)
	}
	s.w.WriteBits(uint64(streamCRC), 32)
	// pad to a byte boundary with zero bits.
	if s.w.nbits%8 != 0 {
		s.w.WriteBits(0, 8-(s.w.nbits%8))
	}
	return s.w.Bytes()
}

// BuildStream assembles a complete bzip2 byte stream at the given
// block size level ('1'..'9') from one or more plaintext blocks, each
// independently run-length/BWT/MTF/Huffman encoded.
func BuildStream(level byte, blocks [][]byte) []byte {
	var s streamBuilder
	s.writeHeader(level)
	var streamCRC uint32
	for _, plain := range blocks {
		eb := EncodeBlock(plain)
		s.writeBlock(eb)
		streamCRC = bzcrc.Combine(streamCRC, eb.CRC)
	}
	return s.finish(streamCRC)
}

// BuildBlockPayload returns just one block's bit-level payload
// (without the surrounding magic numbers or stream header/trailer),
// for tests that exercise the block decoder directly.
func BuildBlockPayload(plain []byte) EncodedBlock {
	return EncodeBlock(plain)
}
