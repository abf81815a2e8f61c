package pbzip2

// Header represents the 4 byte bzip2 stream header: the "BZh" signature
// followed by a digit giving the uncompressed block size in units of
// 100,000 bytes.
type Header struct {
	Level     byte // '1'..'9'
	BlockSize int  // Level * 100,000 bytes.
}

// fileMagic is the two byte "BZ" signature that starts every bzip2 stream.
const fileMagic = "BZ"

// ParseHeader validates and parses the 4 byte stream header.
func ParseHeader(buf [4]byte) (Header, error) {
	if buf[0] != 'B' || buf[1] != 'Z' {
		return Header{}, StructuralError("bad magic value")
	}
	if buf[2] != 'h' {
		return Header{}, StructuralError("non-Huffman entropy encoding")
	}
	if buf[3] < '1' || buf[3] > '9' {
		return Header{}, StructuralError("invalid compression level")
	}
	return Header{
		Level:     buf[3],
		BlockSize: 100 * 1000 * int(buf[3]-'0'),
	}, nil
}

// Magic re-encodes h as the 4 byte stream header it was parsed from.
func (h Header) Magic() [4]byte {
	return [4]byte{'B', 'Z', 'h', h.Level}
}
