package pbzip2

import (
	"io"
	"log"

	"github.com/nimblezip/pbzip2/block"
	"github.com/nimblezip/pbzip2/internal/bitio"
	"github.com/nimblezip/pbzip2/internal/bzcrc"
)

const (
	blockMagic = 0x314159265359
	eosMagic   = 0x177245385090
)

// Decoder is a single-threaded, streaming bzip2 decoder: it reads and
// decodes one block at a time from the underlying bit stream, in the
// order blocks appear. Use NewParallelReader instead when decode
// throughput matters more than memory footprint; Decoder is the
// simpler alternative and needs no scanner or thread pool.
type Decoder struct {
	br        bitio.Reader
	header    Header
	setupDone bool
	eof       bool

	streamCRC uint32
	cur       *block.Block

	verbose bool
}

// NewDecoder returns a Decoder reading from r. Options configure
// ambient behavior such as logging; see WithVerboseLogging.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	return &Decoder{br: bitio.New(r), verbose: cfg.verbose}
}

func (d *Decoder) logf(format string, args ...any) {
	if d.verbose {
		log.Printf("pbzip2: "+format, args...)
	}
}

func (d *Decoder) setup(needMagic bool) error {
	// Without needMagic the "BZ" signature has already been consumed and
	// only the 'h' and level bytes remain to be read.
	magicBuf := [4]byte{'B', 'Z'}
	start := 2
	if needMagic {
		start = 0
	}
	for i := start; i < len(magicBuf); i++ {
		magicBuf[i] = byte(d.br.ReadBits(8))
	}
	if err := d.br.Err(); err != nil {
		return err
	}
	h, err := ParseHeader(magicBuf)
	if err != nil {
		return err
	}
	d.header = h
	d.streamCRC = 0
	return nil
}

// Read implements io.Reader, returning decompressed bytes.
func (d *Decoder) Read(buf []byte) (n int, err error) {
	if d.eof {
		return 0, io.EOF
	}
	if !d.setupDone {
		if err := d.setup(true); err != nil {
			return 0, err
		}
		d.setupDone = true
	}
	n, err = d.read(buf)
	if brErr := d.br.Err(); brErr != nil {
		err = brErr
	}
	return n, err
}

func (d *Decoder) read(buf []byte) (int, error) {
	for {
		if d.cur != nil {
			n, err := d.cur.Read(buf)
			if n > 0 {
				return n, nil
			}
			if err != nil && err != io.EOF {
				return 0, err
			}
			d.streamCRC = bzcrc.Combine(d.streamCRC, d.cur.CRC())
			d.cur = nil
		}

		switch magic := d.br.ReadBits64(48); magic {
		default:
			return 0, StructuralError("bad magic value found")

		case blockMagic:
			b, err := block.Decode(&d.br, d.header.BlockSize)
			if err != nil {
				return 0, err
			}
			d.cur = b
			d.logf("decoded block, size %d", d.header.BlockSize)

		case eosMagic:
			wantCRC := uint32(d.br.ReadBits64(32))
			if err := d.br.Err(); err != nil {
				return 0, err
			}
			if d.streamCRC != wantCRC {
				return 0, StructuralError("file checksum mismatch")
			}

			if rem := d.br.Buffered() % 8; rem != 0 {
				d.br.Consume(rem)
			}
			var peek [2]byte
			n, err := io.ReadFull(byteReaderAdapter{&d.br}, peek[:1])
			if n == 0 && err != nil {
				if err == io.ErrUnexpectedEOF || err == io.EOF {
					d.eof = true
					d.br.SetErr(io.EOF)
					return 0, io.EOF
				}
				return 0, err
			}
			if peek[0] != 'B' {
				return 0, StructuralError("bad magic value in continuation file")
			}
			if _, err := io.ReadFull(byteReaderAdapter{&d.br}, peek[1:2]); err != nil {
				return 0, io.ErrUnexpectedEOF
			}
			if peek[1] != 'Z' {
				return 0, StructuralError("bad magic value in continuation file")
			}
			if err := d.setup(false); err != nil {
				return 0, err
			}
		}
	}
}

// byteReaderAdapter lets the trailing byte-aligned "BZ" probe after an
// end-of-stream marker reuse bitio.Reader's buffered byte source
// without spilling its internals into this package.
type byteReaderAdapter struct{ br *bitio.Reader }

func (a byteReaderAdapter) Read(p []byte) (int, error) {
	for i := range p {
		if a.br.Err() != nil {
			return i, a.br.Err()
		}
		p[i] = byte(a.br.ReadBits(8))
		if err := a.br.Err(); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
