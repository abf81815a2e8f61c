package bitscan

import "testing"

var testMagic = [6]byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}

// injectAtBitOffset writes magic into haystack starting at the given
// absolute bit offset, returning a copy so the caller's filler pattern
// is preserved elsewhere.
func injectAtBitOffset(fill byte, haystackLen, bitOffset int) []byte {
	buf := make([]byte, haystackLen)
	for i := range buf {
		buf[i] = fill
	}
	for i := 0; i < 48; i++ {
		bit := (testMagic[i/8] >> (7 - uint(i%8))) & 1
		abs := bitOffset + i
		byteIdx := abs / 8
		bitIdx := uint(abs % 8)
		if bit == 1 {
			buf[byteIdx] |= 1 << (7 - bitIdx)
		} else {
			buf[byteIdx] &^= 1 << (7 - bitIdx)
		}
	}
	return buf
}

func TestScanFindsMagicAtAnyBitOffset(t *testing.T) {
	pretest, first, second := Init(testMagic)
	for _, fill := range []byte{0x00, 0xFF} {
		for shift := 0; shift <= 80; shift++ {
			buf := injectAtBitOffset(fill, 32, shift)
			byteOffset, bitOffset := Scan(pretest, first, second, buf)
			if byteOffset == -1 {
				t.Fatalf("fill=%#x shift=%v: magic not found", fill, shift)
			}
			gotBit := byteOffset*8 + bitOffset
			if gotBit != shift {
				t.Fatalf("fill=%#x shift=%v: found at bit %v", fill, shift, gotBit)
			}
		}
	}
}

func TestFindTrailingMagicAndCRC(t *testing.T) {
	// byte-aligned: 6 bytes of magic + 4 bytes of CRC.
	buf := append(append([]byte{0xAA, 0xBB}, testMagic[:]...), []byte{0xDE, 0xAD, 0xBE, 0xEF}...)
	crc, length, offset := FindTrailingMagicAndCRC(buf, testMagic[:])
	if length != 10 || offset != 0 {
		t.Fatalf("got length=%v offset=%v, want 10,0", length, offset)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for i := range want {
		if crc[i] != want[i] {
			t.Fatalf("crc mismatch at %v: got %#x want %#x", i, crc[i], want[i])
		}
	}
}

func TestBitWriterAppendByteAligned(t *testing.T) {
	var bw BitWriter
	bw.Init([]byte{0xAB}, 8, 0)
	bw.Append([]byte{0xCD}, 0, 8)
	data, lenBits := bw.Data()
	if lenBits != 16 {
		t.Fatalf("got lenBits=%v, want 16", lenBits)
	}
	if len(data) != 2 || data[0] != 0xAB || data[1] != 0xCD {
		t.Fatalf("got %x, want ab cd", data)
	}
}
