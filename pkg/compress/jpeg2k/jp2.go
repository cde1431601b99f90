package jpeg2k

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

var (
	// jp2Signature is the 12-byte JP2 signature box
	jp2Signature = []byte("\x00\x00\x00\x0cjP  \r\n\x87\n")
	// codestreamMagic is SOC followed by the SIZ marker
	codestreamMagic = []byte("\xff\x4f\xff\x51")
)

// IsJP2 reports whether p starts with the JP2 signature box
func IsJP2(p []byte) bool { return bytes.HasPrefix(p, jp2Signature) }

// codestream returns the raw codestream of p, unwrapping the jp2c box of a
// JP2 file.
func codestream(p []byte) ([]byte, error) {
	if !IsJP2(p) {
		return p, nil
	}
	be := binary.BigEndian
	pos := 0
	for {
		if pos+8 > len(p) {
			return nil, io.ErrUnexpectedEOF
		}
		size := uint64(be.Uint32(p[pos:]))
		kind := string(p[pos+4 : pos+8])
		hdr := 8
		switch size {
		case 0:
			size = uint64(len(p) - pos)
		case 1:
			if pos+16 > len(p) {
				return nil, io.ErrUnexpectedEOF
			}
			size, hdr = be.Uint64(p[pos+8:]), 16
		}
		if size < uint64(hdr) {
			return nil, fmt.Errorf("%w: bad %q box size %d", ErrFormat, kind, size)
		}
		if kind == "jp2c" {
			end := len(p)
			if uint64(len(p)-pos) >= size {
				end = pos + int(size)
			}
			return p[pos+hdr : end], nil
		}
		if uint64(len(p)-pos) < size {
			return nil, io.ErrUnexpectedEOF
		}
		pos += int(size)
	}
}

func box(b []byte, kind string, body []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(8+len(body)))
	b = append(b, kind...)
	return append(b, body...)
}

// wrapJP2 wraps codestream cs in the minimal JP2 box set
func wrapJP2(cs []byte, s *SIZ) []byte {
	be := binary.BigEndian
	ihdr := be.AppendUint32(nil, uint32(s.Height()))
	ihdr = be.AppendUint32(ihdr, uint32(s.Width()))
	ihdr = be.AppendUint16(ihdr, uint16(len(s.Components)))
	ihdr = append(ihdr, byte(s.Components[0].Precision-1), 7, 0, 0)

	colr := []byte{1, 0, 0}
	if len(s.Components) == 1 {
		colr = be.AppendUint32(colr, 17) // greyscale
	} else {
		colr = be.AppendUint32(colr, 16) // sRGB
	}
	jp2h := box(nil, "ihdr", ihdr)
	jp2h = box(jp2h, "colr", colr)

	out := append([]byte{}, jp2Signature...)
	out = box(out, "ftyp", []byte("jp2 \x00\x00\x00\x00jp2 "))
	out = box(out, "jp2h", jp2h)
	return box(out, "jp2c", cs)
}
