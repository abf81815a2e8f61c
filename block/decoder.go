// Package block implements the per-block decode pipeline shared by the
// single-threaded and parallel bzip2 decoders: Huffman decode, inverse
// move-to-front, inverse Burrows-Wheeler transform, and run-length
// expansion.
package block

import (
	"io"
	"math"

	"github.com/nimblezip/pbzip2/internal/bitio"
	"github.com/nimblezip/pbzip2/internal/bzcrc"
	"github.com/nimblezip/pbzip2/internal/huffman"
	"github.com/nimblezip/pbzip2/internal/mtf"
)

type structuralError string

func (s structuralError) Error() string { return "bzip2: " + string(s) }

// state tracks where a Block is in its lifecycle: a Block is
// constructed by Decode in the Reading state (entropy decode and
// inverse BWT already done, RLE expansion yet to run), moves to
// readyForRead once fully drained and its CRC verified, and stays
// there for any subsequent Read call. Splitting the per-block state
// out this way (rather than folding it into a single long-lived
// stream reader) lets each worker in a parallel decode own exactly one
// Block independently of any other in-flight block.
type state int

const (
	reading state = iota
	readyForRead
)

// Block is one decoded-but-not-yet-drained bzip2 block. Read expands
// its run-length-encoded payload incrementally; the block's CRC is
// verified against the stored value once Read reports exhaustion.
type Block struct {
	state state

	blockSize int
	tt        []uint32 // low 8 bits: output byte; high 24 bits: BWT successor index.
	tPos      uint32
	used      int // number of entries of tt consumed so far.

	lastByte    int
	byteRepeats uint
	repeats     uint

	wantCRC uint32
	crc     bzcrc.CRC
}

// Decode parses one block's header and entropy-coded payload from br,
// which must be positioned immediately after the block's 48 bit magic
// number has already been consumed. blockSize is the stream's
// uncompressed block size in bytes (Header.BlockSize).
func Decode(br *bitio.Reader, blockSize int) (*Block, error) {
	b := &Block{blockSize: blockSize, lastByte: -1}

	b.wantCRC = uint32(br.ReadBits64(32))

	if br.ReadBits(1) != 0 {
		return nil, structuralError("deprecated randomized files")
	}
	origPtr := uint(br.ReadBits(24))

	used, err := mtf.ReadUsedSymbols(br)
	if err != nil {
		return nil, err
	}

	numTrees := br.ReadBits(3)
	if numTrees < 2 || numTrees > 6 {
		return nil, structuralError("invalid number of Huffman trees")
	}

	numSelectors := br.ReadBits(15)
	treeIndexes := make([]uint8, numSelectors)
	selectorMTF := mtf.NewIdentity(numTrees)
	for i := range treeIndexes {
		c := 0
		for br.ReadBits(1) == 1 {
			c++
			if c >= numTrees {
				return nil, structuralError("tree index too large")
			}
		}
		treeIndexes[i] = selectorMTF.Decode(c)
	}

	alphabet := mtf.NewAlphabet(used)
	numSymbols := len(used) + 2 // + RUNA/RUNB/EOB

	trees := make([]huffman.Tree, numTrees)
	lengths := make([]uint8, numSymbols)
	for i := range trees {
		length := br.ReadBits(5)
		for j := range lengths {
			for {
				if length < 1 || length > 20 {
					return nil, structuralError("Huffman length out of range")
				}
				if !br.ReadBit() {
					break
				}
				if br.ReadBit() {
					length--
				} else {
					length++
				}
			}
			lengths[j] = uint8(length)
		}
		trees[i], err = huffman.New(lengths)
		if err != nil {
			return nil, err
		}
	}

	if len(treeIndexes) == 0 {
		return nil, structuralError("no tree selectors given")
	}
	if int(treeIndexes[0]) >= len(trees) {
		return nil, structuralError("tree selector out of range")
	}

	if blockSize > len(b.tt) {
		b.tt = make([]uint32, blockSize)
	} else {
		b.tt = b.tt[:blockSize]
	}

	var c [256]uint
	currentTree := trees[treeIndexes[0]]
	selectorIndex := 1
	decoded := 0
	repeat := 0
	repeatPower := 0
	bufIndex := 0

	for {
		if decoded == 50 {
			if selectorIndex >= numSelectors {
				return nil, structuralError("insufficient selector indices for number of symbols")
			}
			if int(treeIndexes[selectorIndex]) >= len(trees) {
				return nil, structuralError("tree selector out of range")
			}
			currentTree = trees[treeIndexes[selectorIndex]]
			selectorIndex++
			decoded = 0
		}

		v := currentTree.Decode(br)
		decoded++

		if v < 2 {
			if repeat == 0 {
				repeatPower = 1
			}
			repeat += repeatPower << v
			repeatPower <<= 1
			if repeat > 2*1024*1024 {
				return nil, structuralError("repeat count too large")
			}
			continue
		}

		if repeat > 0 {
			if repeat > blockSize-bufIndex {
				return nil, structuralError("repeats past end of block")
			}
			sym := alphabet.First()
			c[sym] += uint(repeat)
			for i := 0; i < repeat; i++ {
				b.tt[bufIndex+i] = uint32(sym)
			}
			bufIndex += repeat
			repeat = 0
		}

		if int(v) == numSymbols-1 {
			break
		}

		sym := alphabet.Decode(int(v - 1))
		if bufIndex >= blockSize {
			return nil, structuralError("data exceeds block size")
		}
		b.tt[bufIndex] = uint32(sym)
		c[sym]++
		bufIndex++
	}

	if bufIndex > math.MaxUint32>>8 {
		return nil, structuralError("block too large for inverse BWT")
	}
	if origPtr >= uint(bufIndex) {
		return nil, structuralError("origPtr out of bounds")
	}

	b.tt = b.tt[:bufIndex]
	b.tPos = inverseBWT(b.tt, origPtr, c[:])

	return b, nil
}

// Read expands the block's run-length-encoded plaintext into buf,
// returning io.EOF once the block is exhausted and its CRC has been
// checked against the stored value (a structural error on mismatch).
func (b *Block) Read(buf []byte) (n int, err error) {
	if b.state == readyForRead {
		return 0, io.EOF
	}
	n = b.drain(buf)
	if n > 0 || len(buf) == 0 {
		b.crc.Update(buf[:n])
		return n, nil
	}
	b.state = readyForRead
	if b.crc.Sum32() != b.wantCRC {
		return 0, structuralError("block checksum mismatch")
	}
	return 0, io.EOF
}

// drain implements the RLE-4 expansion state machine: any run of four
// equal bytes is followed by a count byte giving the number of
// additional repeats (0..255) of that byte.
func (b *Block) drain(buf []byte) int {
	n := 0
	for (b.repeats > 0 || b.used < len(b.tt)) && n < len(buf) {
		if b.repeats > 0 {
			buf[n] = byte(b.lastByte)
			n++
			b.repeats--
			if b.repeats == 0 {
				b.lastByte = -1
			}
			continue
		}

		b.tPos = b.tt[b.tPos]
		sym := byte(b.tPos)
		b.tPos >>= 8
		b.used++

		if b.byteRepeats == 3 {
			b.repeats = uint(sym)
			b.byteRepeats = 0
			continue
		}

		if b.lastByte == int(sym) {
			b.byteRepeats++
		} else {
			b.byteRepeats = 0
		}
		b.lastByte = int(sym)

		buf[n] = sym
		n++
	}
	return n
}

// CRC returns the block's computed CRC; only meaningful once Read has
// reported io.EOF.
func (b *Block) CRC() uint32 {
	return b.crc.Sum32()
}
