package pbzip2

import (
	"bytes"
	"io"

	"github.com/nimblezip/pbzip2/block"
	"github.com/nimblezip/pbzip2/internal/bitio"
)

// decodeRawBlock fully decodes one scanned block: data holds the
// compressed bytes starting at bitOffset bits into its first byte, as
// produced by Scanner.Block. blockSize is the stream's declared
// uncompressed block size in bytes.
func decodeRawBlock(blockSize int, data []byte, bitOffset int) ([]byte, uint32, error) {
	br := bitio.New(bytes.NewReader(data[bitOffset/8:]))
	if rem := bitOffset % 8; rem != 0 {
		br.ReadBits(uint(rem))
	}
	b, err := block.Decode(&br, blockSize)
	if err != nil {
		return nil, 0, err
	}
	out, err := io.ReadAll(readFunc(b.Read))
	if err != nil {
		return nil, 0, err
	}
	return out, b.CRC(), nil
}

type readFunc func(p []byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }
