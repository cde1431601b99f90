package jpeg2k

import (
	"encoding/binary"
	"fmt"
	"io"
)

// header is the parsed main header and the location of the first tile-part
type header struct {
	SIZ    SIZ
	COD    COD
	QCD    QCD
	raw    bool // COM rawTag present
	sot    int  // offset of the first SOT marker
	hasCOD bool
	hasQCD bool
}

// parseHeader reads the main header of codestream cs. It returns
// io.ErrUnexpectedEOF when cs ends before the first SOT.
func parseHeader(cs []byte) (*header, error) {
	if len(cs) < 2 {
		return nil, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint16(cs) != MarkerSOC {
		return nil, fmt.Errorf("%w: missing SOC", ErrFormat)
	}
	h := &header{}
	hasSIZ := false
	pos := 2
	for {
		if pos+2 > len(cs) {
			return nil, io.ErrUnexpectedEOF
		}
		marker := binary.BigEndian.Uint16(cs[pos:])
		if marker == MarkerSOT {
			h.sot = pos
			break
		}
		if marker>>8 != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at %d", ErrFormat, pos)
		}
		if pos+4 > len(cs) {
			return nil, io.ErrUnexpectedEOF
		}
		length := int(binary.BigEndian.Uint16(cs[pos+2:]))
		if length < 2 {
			return nil, fmt.Errorf("%w: bad segment length %d", ErrFormat, length)
		}
		if pos+2+length > len(cs) {
			return nil, io.ErrUnexpectedEOF
		}
		seg := cs[pos+4 : pos+2+length]
		var err error
		switch marker {
		case MarkerSIZ:
			err = h.SIZ.parse(seg)
			hasSIZ = true
		case MarkerCOD:
			err = h.COD.parse(seg)
			h.hasCOD = true
		case MarkerQCD:
			err = h.QCD.parse(seg)
			h.hasQCD = true
		case MarkerCOM:
			if len(seg) >= 2 && string(seg[2:]) == rawTag {
				h.raw = true
			}
		}
		if err != nil {
			return nil, err
		}
		pos += 2 + length
	}
	if !hasSIZ {
		return nil, fmt.Errorf("%w: missing SIZ", ErrFormat)
	}
	return h, nil
}

func (s *SIZ) parse(seg []byte) error {
	if len(seg) < 36 {
		return fmt.Errorf("%w: short SIZ", ErrFormat)
	}
	be := binary.BigEndian
	s.Rsiz = be.Uint16(seg)
	s.XSiz, s.YSiz = be.Uint32(seg[2:]), be.Uint32(seg[6:])
	s.XOsiz, s.YOsiz = be.Uint32(seg[10:]), be.Uint32(seg[14:])
	s.XTsiz, s.YTsiz = be.Uint32(seg[18:]), be.Uint32(seg[22:])
	s.XTOsiz, s.YTOsiz = be.Uint32(seg[26:]), be.Uint32(seg[30:])
	n := int(be.Uint16(seg[34:]))
	if n == 0 || len(seg) < 36+3*n {
		return fmt.Errorf("%w: bad SIZ component count %d", ErrFormat, n)
	}
	if s.XSiz <= s.XOsiz || s.YSiz <= s.YOsiz || s.XTsiz == 0 || s.YTsiz == 0 {
		return fmt.Errorf("%w: bad SIZ geometry", ErrFormat)
	}
	s.Components = make([]Component, n)
	for i := range s.Components {
		p := seg[36+3*i:]
		s.Components[i] = Component{
			Precision: int(p[0]&0x7F) + 1,
			Signed:    p[0]&0x80 != 0,
			XRsiz:     int(p[1]),
			YRsiz:     int(p[2]),
		}
	}
	return nil
}

func (c *COD) parse(seg []byte) error {
	if len(seg) < 10 {
		return fmt.Errorf("%w: short COD", ErrFormat)
	}
	c.Scod = seg[0]
	c.Progression = seg[1]
	c.Layers = binary.BigEndian.Uint16(seg[2:])
	c.MCT = seg[4]
	c.DecompLevels = seg[5]
	c.CodeBlockW, c.CodeBlockH = seg[6], seg[7]
	c.CodeBlock = seg[8]
	c.Transform = Transform(seg[9])
	return nil
}

func (q *QCD) parse(seg []byte) error {
	if len(seg) < 1 {
		return fmt.Errorf("%w: short QCD", ErrFormat)
	}
	q.Style = seg[0] & 0x1F
	q.GuardBits = seg[0] >> 5
	q.Exponents = q.Exponents[:0]
	if q.Style == 0 {
		for _, b := range seg[1:] {
			q.Exponents = append(q.Exponents, b>>3)
		}
	}
	return nil
}

// tileBody returns the data of the single tile-part starting at h.sot
func tileBody(cs []byte, h *header) ([]byte, error) {
	pos := h.sot
	if pos+12 > len(cs) {
		return nil, io.ErrUnexpectedEOF
	}
	be := binary.BigEndian
	if be.Uint16(cs[pos+2:]) != 10 {
		return nil, fmt.Errorf("%w: bad SOT length", ErrFormat)
	}
	if idx := be.Uint16(cs[pos+4:]); idx != 0 {
		return nil, fmt.Errorf("%w: first tile-part is tile %d", ErrFormat, idx)
	}
	end := len(cs)
	if psot := int(be.Uint32(cs[pos+6:])); psot != 0 {
		if pos+psot > len(cs) {
			return nil, io.ErrUnexpectedEOF
		}
		end = pos + psot
	}
	pos += 12
	for {
		if pos+2 > end {
			return nil, io.ErrUnexpectedEOF
		}
		marker := be.Uint16(cs[pos:])
		if marker == MarkerSOD {
			return cs[pos+2 : end], nil
		}
		if pos+4 > end {
			return nil, io.ErrUnexpectedEOF
		}
		pos += 2 + int(be.Uint16(cs[pos+2:]))
	}
}

// segment appends marker and its length-prefixed body to b
func segment(b []byte, marker uint16, body []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, marker)
	b = binary.BigEndian.AppendUint16(b, uint16(2+len(body)))
	return append(b, body...)
}

func (s *SIZ) append(b []byte) []byte {
	be := binary.BigEndian
	body := be.AppendUint16(nil, s.Rsiz)
	for _, v := range []uint32{s.XSiz, s.YSiz, s.XOsiz, s.YOsiz, s.XTsiz, s.YTsiz, s.XTOsiz, s.YTOsiz} {
		body = be.AppendUint32(body, v)
	}
	body = be.AppendUint16(body, uint16(len(s.Components)))
	for _, c := range s.Components {
		ssiz := byte(c.Precision - 1)
		if c.Signed {
			ssiz |= 0x80
		}
		body = append(body, ssiz, byte(c.XRsiz), byte(c.YRsiz))
	}
	return segment(b, MarkerSIZ, body)
}

func (c *COD) append(b []byte) []byte {
	body := []byte{c.Scod, c.Progression, byte(c.Layers >> 8), byte(c.Layers),
		c.MCT, c.DecompLevels, c.CodeBlockW, c.CodeBlockH, c.CodeBlock, byte(c.Transform)}
	return segment(b, MarkerCOD, body)
}

func (q *QCD) append(b []byte) []byte {
	body := []byte{q.GuardBits<<5 | q.Style&0x1F}
	for _, e := range q.Exponents {
		body = append(body, e<<3)
	}
	return segment(b, MarkerQCD, body)
}
