package pbzip2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/nimblezip/pbzip2/internal/bitscan"
)

type scannerOpts struct {
	maxPreamble int
}

// ScannerOption configures a Scanner.
type ScannerOption func(*scannerOpts)

// WithScanBlockOverhead sets the size of the overhead, in bytes, that
// the scanner assumes is sufficient to capture all of the bzip2 per
// block data structures. It should only ever need adjusting if the
// scanner fails to find a magic number within the default lookahead.
func WithScanBlockOverhead(b int) ScannerOption {
	return func(o *scannerOpts) {
		o.maxPreamble = b
	}
}

var (
	pretestBlockMagicLookup                       [256]bool
	firstBlockMagicLookup, secondBlockMagicLookup map[uint32]uint8
	scanBlockMagic                                [6]byte
	scanEOSMagic                                   [6]byte
)

func init() {
	scanBlockMagic = [6]byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}
	scanEOSMagic = [6]byte{0x17, 0x72, 0x45, 0x38, 0x50, 0x90}
	pretestBlockMagicLookup, firstBlockMagicLookup, secondBlockMagicLookup = bitscan.Init(scanBlockMagic)
}

// Scanner splits an undifferentiated bzip2 byte stream into runs of
// raw block bytes, terminated by either the block magic or the
// end-of-stream magic. It splits the 48 bit magic numbers into
// precomputed, shift-aware lookup tables so that locating one is two
// map lookups per candidate byte offset rather than a bit-by-bit scan.
//
// The first block discovered is the stream header, which is validated
// and consumed internally; the last is the stream trailer, likewise
// validated and consumed internally.
type Scanner struct {
	rd                     io.Reader
	brd                    *bufio.Reader
	eos                    bool
	err                    error
	block                  CompressedBlock
	prevBitOffset          int
	first, done            bool
	maxPreamble            int
	currentStreamBlockSize int
}

// NewScanner returns a new Scanner reading from rd.
func NewScanner(rd io.Reader, opts ...ScannerOption) *Scanner {
	o := scannerOpts{
		// Allow enough overhead for a block's coding tables before its
		// content starts.
		maxPreamble: 30 * 1024,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Scanner{
		rd:          rd,
		first:       true,
		maxPreamble: o.maxPreamble,
	}
}

func scanParseHeader(buf []byte) (int, error) {
	var hdr [4]byte
	copy(hdr[:], buf[:4])
	h, err := ParseHeader(hdr)
	if err != nil {
		return -1, err
	}
	return h.BlockSize, nil
}

func (sc *Scanner) scanHeader() bool {
	var header [4]byte
	n, err := sc.rd.Read(header[:])
	if err != nil {
		sc.err = fmt.Errorf("failed to read stream header: %v", err)
		return false
	}
	if n != 4 {
		sc.err = fmt.Errorf("stream header is too small: %v", n)
		return false
	}
	sc.currentStreamBlockSize, sc.err = scanParseHeader(header[:])
	if sc.err != nil {
		return false
	}
	// Allow for the maximum possible block size.
	sc.brd = bufio.NewReaderSize(sc.rd, 9*100*1000+sc.maxPreamble)
	return true
}

func readBlockCRC(block []byte, shift int) uint32 {
	if len(block) < 4 {
		return 0
	}
	tmp := make([]byte, 5)
	copy(tmp, block[:5])
	for i := 8; i > shift; i-- {
		tmp = bitscan.ShiftRight(tmp)
	}
	return binary.BigEndian.Uint32(tmp[1:5])
}

// Scan returns true if there is a block to be returned via Block.
func (sc *Scanner) Scan(ctx context.Context) bool {
	if sc.err != nil || sc.done {
		return false
	}
	select {
	case <-ctx.Done():
		sc.err = ctx.Err()
		return false
	default:
	}
	if sc.first {
		if !sc.scanHeader() {
			return false
		}
	}
	defer func() {
		sc.first = false
	}()

	sc.eos = false
	eof := false
	lookahead := 9*100*1000 + sc.maxPreamble
	buf, err := sc.brd.Peek(lookahead)
	if err != nil {
		if err != io.EOF {
			sc.err = err
			return false
		}
		eof = true
	}

	if sc.first {
		// The block magic indicates the start of a block, not the end
		// of one, so the first block needs special handling: if it
		// starts with a block magic number, discard it and search for
		// the next one.
		if bytes.HasPrefix(buf, scanBlockMagic[:]) {
			sc.brd.Discard(len(scanBlockMagic))
			buf = buf[len(scanBlockMagic):]
			sc.block.BitOffset = 0
			sc.prevBitOffset = 0
		}
	}

	byteOffset, bitOffset := bitscan.Scan(pretestBlockMagicLookup, firstBlockMagicLookup, secondBlockMagicLookup, buf)
	if byteOffset == -1 {
		if !eof {
			sc.err = fmt.Errorf("failed to find next block within expected max buffer size of %v", lookahead)
			return false
		}
		buf, _ := trimTrailingEmptyFiles(buf)
		// If the stream is corrupted and no empty files are found here,
		// the stream checksum check will fail or the trailer won't be
		// correctly located.
		return sc.handleEOF(buf)
	}

	if bitOffset == 0 {
		if newStreamBlockSize, prevStreamCRC, consumed, trailerOffset, ok := handleSkippedEOS(buf[:byteOffset], byteOffset); ok {
			szBits := ((byteOffset - consumed) * 8) + trailerOffset - sc.prevBitOffset
			szBytes := szBits / 8
			if szBits%8 != 0 {
				szBytes++
			}
			if sc.prevBitOffset > 0 {
				szBytes++
			}
			// Size in bits needs to be the size of the previous
			// compressed block up to the EOS trailer, which requires
			// accounting for the trailer offset.
			sc.initBlockValues(true, buf, szBytes, szBits, prevStreamCRC)
			sc.currentStreamBlockSize = newStreamBlockSize
			sc.prevBitOffset = bitOffset

			sc.brd.Discard(byteOffset + len(scanBlockMagic))
			return true
		}
	}
	sz := byteOffset
	if bitOffset > 0 {
		sz++
	}
	sc.initBlockValues(false, buf, sz, (byteOffset*8)+bitOffset-sc.prevBitOffset, 0)
	sc.prevBitOffset = bitOffset
	sc.brd.Discard(byteOffset + len(scanBlockMagic))
	return true
}

func (sc *Scanner) initBlockValues(eos bool, buf []byte, sz, szInBits int, streamCRC uint32) {
	sc.block = CompressedBlock{}
	sc.block.EOS = eos
	if sz > 0 {
		sc.block.Data = make([]byte, sz)
		copy(sc.block.Data, buf[:sz])
		sc.block.CRC = readBlockCRC(buf, sc.prevBitOffset)
	}
	sc.block.BitOffset = sc.prevBitOffset
	sc.block.SizeInBits = szInBits
	sc.block.StreamBlockSize = sc.currentStreamBlockSize
	sc.block.StreamCRC = streamCRC
}

// trimTrailingEmptyFiles removes a trailing run of 1 or more empty
// files; an empty file is:
//
//	.magic:16
//	.version:8
//	.hundred_k_blocksize:8
//	.eos_magic:48
//	.crc:32
//	.padding:0..7
//
// where the CRC is all zeros and the block size digit is 1..9.
func trimTrailingEmptyFiles(buf []byte) (trimmed []byte, n int) {
	for {
		var ok bool
		buf, ok = trimEmptyFile(buf)
		if !ok {
			return buf, n
		}
		n++
	}
}

func trimEmptyFile(buf []byte) ([]byte, bool) {
	trailer, trailerSize, trailerOffset := bitscan.FindTrailingMagicAndCRC(buf, scanEOSMagic[:])
	if trailerSize != 10 || !bytes.Equal(trailer, []byte{0x0, 0x0, 0x0, 0x0}) {
		return buf, false
	}
	offset := 14 // 10 bytes of trailer, plus optional padding
	if trailerOffset > 0 {
		offset++
	}
	l := len(buf)
	if l < offset {
		return buf, false
	}
	if _, err := scanParseHeader(buf[l-offset:]); err != nil {
		return buf, false
	}
	return buf[:l-offset], true
}

// handleSkippedEOS checks whether an end-of-stream marker (plus zero or
// more empty files) was skipped over before the block magic currently
// being examined:
//
//	...EOS[<empty-file>]*<hdr><blockMagic>
func handleSkippedEOS(buf []byte, byteOffset int) (newBlockSize int, prevCRC uint32, consumed, trailerOffset int, ok bool) {
	if byteOffset <= 4 {
		return
	}
	l := len(buf)
	newBlockSize, err := scanParseHeader(buf[l-4:])
	if err != nil {
		return
	}
	trimmed, n := trimTrailingEmptyFiles(buf[:l-4])

	trailer, trailerSize, trailerOffset := bitscan.FindTrailingMagicAndCRC(trimmed, scanEOSMagic[:])
	if trailerSize != 10 {
		return
	}

	prevCRC = binary.BigEndian.Uint32(trailer)
	consumed = 4 + trailerSize + (n * 14)
	if trailerOffset > 0 {
		consumed++
	}
	ok = true
	return
}

func (sc *Scanner) handleEOF(buf []byte) bool {
	trailer, trailerSize, trailerOffset := bitscan.FindTrailingMagicAndCRC(buf, scanEOSMagic[:])
	if trailerSize != 10 {
		sc.err = fmt.Errorf("failed to find trailer")
		return false
	}
	szBytes := len(buf) - trailerSize
	szBits := szBytes * 8
	if trailerOffset > 0 {
		szBits += -8 + trailerOffset
	}
	if sc.prevBitOffset > 0 {
		szBits -= sc.prevBitOffset
	}
	sc.initBlockValues(true, buf, szBytes, szBits, binary.BigEndian.Uint32(trailer))
	sc.done = true
	return true
}

// CompressedBlock is one scanned, not-yet-decoded bzip2 block.
type CompressedBlock struct {
	// Data holds the compressed block as a bitstream that starts at
	// BitOffset in its first byte and is SizeInBits long.
	Data            []byte
	BitOffset       int    // Compressed data starts at BitOffset in Data.
	SizeInBits      int    // Size of the compressed data in Data, in bits.
	CRC             uint32 // Stored CRC for this block.
	StreamBlockSize int    // 1..9 * 100 * 1000, the stream's declared block size.

	EOS       bool   // Set once the end-of-stream marker has been seen.
	StreamCRC uint32 // Whole-stream CRC, valid only when EOS is set.
}

func (b CompressedBlock) String() string {
	out := &strings.Builder{}
	level := b.StreamBlockSize / (100 * 1000)
	fmt.Fprintf(out, "@%v..%v bits: block CRC 0x%08x, bzip2 level %v", b.BitOffset, b.SizeInBits, b.CRC, level)
	if b.EOS {
		fmt.Fprintf(out, " EOS: stream CRC 0x%08x", b.StreamCRC)
	}
	return out.String()
}

// Block returns the block most recently found by Scan.
func (sc *Scanner) Block() CompressedBlock {
	return sc.block
}

// Err returns any error encountered by the scanner.
func (sc *Scanner) Err() error {
	return sc.err
}
