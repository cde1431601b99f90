package decode

import (
	"bytes"
	"encoding/binary"
)

var exifHeader = []byte("Exif\x00\x00")

const orientationTag = 0x0112

// exifOrientation returns the orientation tag (1-8) from an APP1 payload,
// or 0 when the payload has none.
func exifOrientation(seg []byte) int {
	if !bytes.HasPrefix(seg, exifHeader) {
		return 0
	}
	tiff := seg[len(exifHeader):]
	if len(tiff) < 8 {
		return 0
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0
	}
	if order.Uint16(tiff[2:]) != 42 {
		return 0
	}
	ifd := int(order.Uint32(tiff[4:]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return 0
	}
	n := int(order.Uint16(tiff[ifd:]))
	// tolerate a truncated directory: read the entries that are present
	n = min(n, (len(tiff)-ifd-2)/12)
	for i := 0; i < n; i++ {
		e := tiff[ifd+2+i*12:]
		if order.Uint16(e) != orientationTag {
			continue
		}
		if order.Uint16(e[2:]) != 3 || order.Uint32(e[4:]) != 1 {
			return 0
		}
		if o := int(order.Uint16(e[8:])); o >= 1 && o <= 8 {
			return o
		}
		return 0
	}
	return 0
}

// scanJPEGOrientation walks the marker segments of a JPEG up to the first
// scan looking for EXIF orientation.
func scanJPEGOrientation(p []byte) int {
	if len(p) < 2 || p[0] != 0xFF || p[1] != 0xD8 {
		return 0
	}
	pos := 2
	for pos+4 <= len(p) {
		if p[pos] != 0xFF {
			return 0
		}
		marker := p[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		if marker == 0xDA || marker == 0xD9 {
			return 0
		}
		length := int(binary.BigEndian.Uint16(p[pos+2:]))
		if length < 2 || pos+2+length > len(p) {
			return 0
		}
		if marker == 0xE1 {
			if o := exifOrientation(p[pos+4 : pos+2+length]); o != 0 {
				return o
			}
		}
		pos += 2 + length
	}
	return 0
}
