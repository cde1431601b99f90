package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image/color"
	"io"
)

// vlcCode is one entry of a 16-bit Huffman lookup table
type vlcCode struct {
	bits, code uint8
}

type component struct {
	id           int
	ssX, ssY     int // sampling factors
	hs, vs       uint // log2 of the subsampling relative to the largest factor
	stride       int
	qtSel        int
	dcSel, acSel int
	dcPred       int
	pixels       []byte // one MCU row of samples
}

// scanState is everything the entropy decoder mutates while decoding an MCU
// row. It is saved before a row and restored when the row runs out of bytes.
type scanState struct {
	pos       int // parse position in data
	buf       uint64
	bufBits   int
	padBits   int
	markerHit bool
	dcPred    [3]int
	rstCount  int
	nextRst   int
}

// errNeedMore reports that the buffered bytes end inside a segment or row
var errNeedMore = errors.New("decode: need more data")

// JPEG decodes baseline JPEG streams one MCU row at a time as bytes arrive.
// Streams it cannot decode row by row (progressive, CMYK, non-interleaved)
// are retained and decoded by the standard library after Finish.
type JPEG struct {
	batch bool

	data     []byte
	released int64 // bytes dropped from the head of data
	eof      bool

	started      bool
	frameParsed  bool
	headerParsed bool
	inScan       bool
	complete     bool
	err          error

	deferred bool
	rows     *imageRows

	hdr    Header
	jfif   bool
	adobe  int // APP14 transform, -1 when absent
	isRGB  bool
	format string

	width, height     int
	mbWidth, mbHeight int
	mbSizeX, mbSizeY  int
	ncomp             int
	comp              [3]component
	scanOrder         [3]int
	qtAvail, dhtAvail int
	qtab              [4][64]int32
	vlc               [4]*[65536]vlcCode // 0-1 DC, 2-3 AC
	rstInterval       int

	scanState
	mcuRow   int
	rowsOut  int
	out      []byte
}

// NewJPEG returns a JPEG decoder. A batch decoder only decodes rows after
// Finish.
func NewJPEG(batch bool) *JPEG {
	d := &JPEG{batch: batch, adobe: -1, format: "jpeg"}
	for i := range d.vlc {
		d.vlc[i] = new([65536]vlcCode)
	}
	return d
}

// Mode returns ModeIncremental or ModeBatch
func (d *JPEG) Mode() Mode {
	if d.batch {
		return ModeBatch
	}
	return ModeIncremental
}

// Header returns the frame header once the SOF segment has been parsed
func (d *JPEG) Header() (Header, bool) { return d.hdr, d.frameParsed }

// Properties returns the source metadata known so far
func (d *JPEG) Properties() map[string]any {
	if !d.frameParsed {
		return map[string]any{}
	}
	return d.hdr.Properties()
}

// Consumed returns the number of stream bytes the decoder will never revisit
func (d *JPEG) Consumed() int64 { return d.released + int64(d.pos) }

// Released returns the number of stream bytes freed from the buffer head
func (d *JPEG) Released() int64 { return d.released }

// Buffered returns the number of bytes currently held
func (d *JPEG) Buffered() int { return len(d.data) }

// ScanlinesWritten returns the number of rows returned so far
func (d *JPEG) ScanlinesWritten() int { return d.rowsOut }

// Failed reports whether the decoder has failed
func (d *JPEG) Failed() bool { return d.err != nil }

func (d *JPEG) fail(err error) error {
	d.err = err
	d.data = nil
	d.out = nil
	return err
}

// Feed appends p and parses as much of the header as is buffered.
func (d *JPEG) Feed(p []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.eof {
		return ErrFinished
	}
	if d.complete {
		return nil
	}
	d.data = append(d.data, p...)
	if d.inScan || d.deferred {
		return nil
	}
	if err := d.parseHeader(); err != nil && err != errNeedMore {
		return d.fail(err)
	}
	return nil
}

// Finish marks the end of the stream. It fails with ErrTruncated when the
// header never completed.
func (d *JPEG) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.eof {
		return nil
	}
	d.eof = true
	if !d.inScan && !d.deferred && !d.complete {
		switch err := d.parseHeader(); {
		case err == errNeedMore:
			return d.fail(fmt.Errorf("%w: stream ended in the header", ErrTruncated))
		case err != nil:
			return d.fail(err)
		}
	}
	if d.deferred {
		img, err := decodeStdJPEG(d.data)
		if err != nil {
			return d.fail(err)
		}
		d.data = nil
		d.rows = &imageRows{img: img}
	}
	return nil
}

// Scanlines decodes and returns the next MCU row.
func (d *JPEG) Scanlines() (Run, error) {
	if d.err != nil {
		return Run{}, d.err
	}
	if d.complete {
		return Run{}, io.EOF
	}
	if d.deferred {
		if d.rows == nil {
			return Run{}, nil
		}
		run, err := d.rows.scanlines()
		if err == io.EOF {
			d.complete = true
			d.rows = nil
			return run, err
		}
		d.rowsOut = run.Y + run.Rows
		return run, err
	}
	if !d.inScan || (d.batch && !d.eof) {
		return Run{}, nil
	}
	if d.mcuRow >= d.mbHeight {
		d.finishScan()
		return Run{}, io.EOF
	}
	ok, err := d.decodeRow()
	if err != nil {
		return Run{}, d.fail(err)
	}
	if !ok {
		if d.eof {
			return Run{}, d.fail(fmt.Errorf("%w: stream ended at row %d of %d", ErrTruncated, d.rowsOut, d.height))
		}
		return Run{}, nil
	}
	run := d.convertRow()
	d.mcuRow++
	d.rowsOut += run.Rows
	if !d.batch {
		d.compact()
	}
	return run, nil
}

func (d *JPEG) finishScan() {
	d.complete = true
	d.inScan = false
	d.data = nil
	for i := 0; i < d.ncomp; i++ {
		d.comp[i].pixels = nil
	}
}

// compact drops consumed bytes from the head of the buffer once they make up
// more than half of it.
func (d *JPEG) compact() {
	if d.pos == 0 || d.pos <= len(d.data)/2 {
		return
	}
	n := copy(d.data, d.data[d.pos:])
	d.data = d.data[:n]
	d.released += int64(d.pos)
	d.pos = 0
}

// Header parsing

func (d *JPEG) available() int { return len(d.data) - d.pos }

// parseHeader consumes whole marker segments until the scan header. It
// returns errNeedMore when the next segment is not fully buffered.
func (d *JPEG) parseHeader() error {
	if !d.started {
		if d.available() < 2 {
			return errNeedMore
		}
		if d.data[0] != 0xFF || d.data[1] != 0xD8 {
			return corrupt("missing SOI marker")
		}
		d.pos = 2
		d.started = true
	}
	for !d.inScan && !d.deferred {
		if d.available() < 2 {
			return errNeedMore
		}
		if d.data[d.pos] != 0xFF {
			return corrupt("expected marker at offset %d", d.released+int64(d.pos))
		}
		marker := d.data[d.pos+1]
		switch {
		case marker == 0xFF: // fill byte
			d.pos++
			continue
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			d.pos += 2
			continue
		case marker == 0xD8:
			return corrupt("unexpected SOI")
		case marker == 0xD9:
			return corrupt("no scan before EOI")
		}
		if d.available() < 4 {
			return errNeedMore
		}
		length := int(binary.BigEndian.Uint16(d.data[d.pos+2:]))
		if length < 2 {
			return corrupt("bad segment length %d", length)
		}
		if d.available() < 2+length {
			return errNeedMore
		}
		seg := d.data[d.pos+4 : d.pos+2+length]
		if err := d.segment(marker, seg); err != nil {
			return err
		}
		if !d.deferred {
			d.pos += 2 + length
		}
	}
	return nil
}

func (d *JPEG) segment(marker byte, seg []byte) error {
	switch marker {
	case 0xC0, 0xC1: // baseline, extended sequential
		return d.decodeSOF(seg, false)
	case 0xC2: // progressive
		return d.decodeSOF(seg, true)
	case 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
		return corrupt("unsupported frame type 0x%02X", marker)
	case 0xC4:
		return d.decodeDHT(seg)
	case 0xCC:
		return corrupt("arithmetic coding is not supported")
	case 0xDB:
		return d.decodeDQT(seg)
	case 0xDD:
		if len(seg) < 2 {
			return corrupt("short DRI segment")
		}
		d.rstInterval = int(binary.BigEndian.Uint16(seg))
	case 0xDA:
		return d.decodeSOS(seg)
	case 0xE0:
		if bytes.HasPrefix(seg, []byte("JFIF\x00")) {
			d.jfif = true
		}
	case 0xE1:
		if o := exifOrientation(seg); o != 0 {
			d.hdr.Orientation = o
		}
	case 0xEE:
		if len(seg) >= 12 && bytes.HasPrefix(seg, []byte("Adobe")) {
			d.adobe = int(seg[11])
		}
	}
	return nil
}

func (d *JPEG) decodeSOF(seg []byte, progressive bool) error {
	if d.frameParsed {
		return corrupt("multiple frames")
	}
	if len(seg) < 6 {
		return corrupt("short SOF segment")
	}
	if seg[0] != 8 {
		return corrupt("unsupported sample precision %d", seg[0])
	}
	d.height = int(binary.BigEndian.Uint16(seg[1:]))
	d.width = int(binary.BigEndian.Uint16(seg[3:]))
	d.ncomp = int(seg[5])
	if d.width == 0 || d.height == 0 {
		return corrupt("bad dimensions %dx%d", d.width, d.height)
	}
	switch d.ncomp {
	case 1, 3, 4:
	default:
		return corrupt("unsupported component count %d", d.ncomp)
	}
	if len(seg) < 6+3*d.ncomp {
		return corrupt("short SOF segment")
	}
	d.frameParsed = true
	if d.hdr.Orientation == 0 {
		d.hdr.Orientation = 1
	}
	d.hdr.Width, d.hdr.Height = d.width, d.height
	d.hdr.Components = d.ncomp
	d.hdr.Progressive = progressive
	d.hdr.Format = d.format
	if progressive || d.ncomp == 4 {
		d.deferred = true
		return nil
	}

	ssxMax, ssyMax := 1, 1
	for i := 0; i < d.ncomp; i++ {
		c := &d.comp[i]
		p := seg[6+3*i:]
		c.id = int(p[0])
		c.ssX, c.ssY = int(p[1]>>4), int(p[1]&15)
		c.qtSel = int(p[2])
		if c.ssX < 1 || c.ssX > 4 || c.ssY < 1 || c.ssY > 4 || c.qtSel > 3 {
			return corrupt("bad component %d parameters", i)
		}
		ssxMax = max(ssxMax, c.ssX)
		ssyMax = max(ssyMax, c.ssY)
	}
	if d.ncomp == 1 {
		// a single component scan is never interleaved
		d.comp[0].ssX, d.comp[0].ssY = 1, 1
		ssxMax, ssyMax = 1, 1
	} else {
		d.isRGB = !d.jfif && (d.adobe == 0 ||
			(d.comp[0].id == 'R' && d.comp[1].id == 'G' && d.comp[2].id == 'B'))
		if !supportedSampling(&d.comp) {
			d.deferred = true
			return nil
		}
	}
	d.mbSizeX, d.mbSizeY = ssxMax*8, ssyMax*8
	d.mbWidth = (d.width + d.mbSizeX - 1) / d.mbSizeX
	d.mbHeight = (d.height + d.mbSizeY - 1) / d.mbSizeY
	for i := 0; i < d.ncomp; i++ {
		c := &d.comp[i]
		c.hs = log2(ssxMax / c.ssX)
		c.vs = log2(ssyMax / c.ssY)
		c.stride = d.mbWidth * c.ssX * 8
	}
	return nil
}

// supportedSampling accepts luma at any power-of-two factor up to 4x2 with
// unsubsampled chroma, the layouts the standard decoder also handles.
func supportedSampling(comp *[3]component) bool {
	y, cb, cr := comp[0], comp[1], comp[2]
	if cb.ssX != 1 || cb.ssY != 1 || cr.ssX != 1 || cr.ssY != 1 {
		return false
	}
	switch {
	case y.ssX == 1 && y.ssY == 1, // 4:4:4
		y.ssX == 2 && y.ssY == 1, // 4:2:2
		y.ssX == 2 && y.ssY == 2, // 4:2:0
		y.ssX == 1 && y.ssY == 2, // 4:4:0
		y.ssX == 4 && y.ssY == 1, // 4:1:1
		y.ssX == 4 && y.ssY == 2: // 4:1:0
		return true
	}
	return false
}

func log2(n int) uint {
	var s uint
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}

func (d *JPEG) decodeDQT(seg []byte) error {
	for len(seg) > 0 {
		pq, tq := int(seg[0]>>4), int(seg[0]&15)
		if tq > 3 || pq > 1 {
			return corrupt("bad DQT table %d/%d", pq, tq)
		}
		n := 64 << pq
		if len(seg) < 1+n {
			return corrupt("short DQT segment")
		}
		t := &d.qtab[tq]
		for i := 0; i < 64; i++ {
			if pq == 0 {
				t[i] = int32(seg[1+i])
			} else {
				t[i] = int32(binary.BigEndian.Uint16(seg[1+2*i:]))
			}
		}
		d.qtAvail |= 1 << tq
		seg = seg[1+n:]
	}
	return nil
}

func (d *JPEG) decodeDHT(seg []byte) error {
	for len(seg) > 0 {
		if len(seg) < 17 {
			return corrupt("short DHT segment")
		}
		tc, th := int(seg[0]>>4), int(seg[0]&15)
		if tc > 1 || th > 1 {
			return corrupt("bad DHT table %d/%d", tc, th)
		}
		counts := seg[1:17]
		n := 0
		for _, c := range counts {
			n += int(c)
		}
		if n > 256 || len(seg) < 17+n {
			return corrupt("bad DHT code count %d", n)
		}
		values := seg[17 : 17+n]
		idx := tc*2 + th
		vlc := d.vlc[idx]
		*vlc = [65536]vlcCode{}
		code, k := 0, 0
		for length := 1; length <= 16; length++ {
			for i := 0; i < int(counts[length-1]); i++ {
				if code >= 1<<length {
					return corrupt("bad huffman table")
				}
				shift := 16 - length
				base := code << shift
				for j := 0; j < 1<<shift; j++ {
					vlc[base+j] = vlcCode{bits: uint8(length), code: values[k]}
				}
				code++
				k++
			}
			code <<= 1
		}
		d.dhtAvail |= 1 << idx
		seg = seg[17+n:]
	}
	return nil
}

func (d *JPEG) decodeSOS(seg []byte) error {
	if !d.frameParsed {
		return corrupt("scan before frame header")
	}
	if len(seg) < 1 {
		return corrupt("short SOS segment")
	}
	ns := int(seg[0])
	if len(seg) < 4+2*ns {
		return corrupt("short SOS segment")
	}
	if ns != d.ncomp {
		// non-interleaved baseline: several scans must be merged
		d.deferred = true
		return nil
	}
	for i := 0; i < ns; i++ {
		id, sel := int(seg[1+2*i]), seg[2+2*i]
		found := false
		for j := 0; j < d.ncomp; j++ {
			if d.comp[j].id != id {
				continue
			}
			c := &d.comp[j]
			c.dcSel, c.acSel = int(sel>>4), int(sel&15)
			if c.dcSel > 1 || c.acSel > 1 {
				return corrupt("bad huffman table selector")
			}
			if d.qtAvail&(1<<c.qtSel) == 0 || d.dhtAvail&(1<<c.dcSel) == 0 || d.dhtAvail&(1<<(2+c.acSel)) == 0 {
				return corrupt("scan uses undefined tables")
			}
			d.scanOrder[i] = j
			found = true
			break
		}
		if !found {
			return corrupt("scan references unknown component %d", id)
		}
	}
	ss, se, a := seg[1+2*ns], seg[2+2*ns], seg[3+2*ns]
	if ss != 0 || se != 63 || a != 0 {
		return corrupt("bad spectral selection for a sequential scan")
	}

	for i := 0; i < d.ncomp; i++ {
		c := &d.comp[i]
		c.pixels = make([]byte, c.stride*c.ssY*8)
	}
	d.out = make([]byte, d.width*4*d.mbSizeY)
	d.scanState = scanState{pos: d.pos, rstCount: d.rstInterval}
	d.inScan = true
	d.headerParsed = true
	return nil
}

// Entropy decoding

// fill loads bytes until at least n bits are buffered. Markers and the end of
// a finished stream are padded with 1 bits; running out of bytes otherwise
// returns errNeedMore.
func (d *JPEG) fill(n int) error {
	for d.bufBits < n {
		if d.markerHit || (d.eof && d.pos >= len(d.data)) {
			d.buf = d.buf<<8 | 0xFF
			d.bufBits += 8
			d.padBits += 8
			continue
		}
		if d.pos >= len(d.data) {
			return errNeedMore
		}
		b := d.data[d.pos]
		if b == 0xFF {
			if d.pos+1 >= len(d.data) {
				if !d.eof {
					return errNeedMore
				}
				d.markerHit = true
				continue
			}
			if d.data[d.pos+1] != 0x00 {
				d.markerHit = true
				continue
			}
			d.pos += 2
		} else {
			d.pos++
		}
		d.buf = d.buf<<8 | uint64(b)
		d.bufBits += 8
	}
	return nil
}

func (d *JPEG) huffman(t *[65536]vlcCode) (uint8, error) {
	if err := d.fill(16); err != nil {
		return 0, err
	}
	e := t[(d.buf>>(d.bufBits-16))&0xFFFF]
	if e.bits == 0 {
		if d.padBits > 0 {
			return 0, d.truncated()
		}
		return 0, corrupt("bad huffman code")
	}
	d.bufBits -= int(e.bits)
	return e.code, nil
}

// receive reads an n-bit magnitude and sign-extends it
func (d *JPEG) receive(n int) (int, error) {
	if err := d.fill(n); err != nil {
		return 0, err
	}
	v := int((d.buf >> (d.bufBits - n)) & (1<<n - 1))
	d.bufBits -= n
	if v < 1<<(n-1) {
		v += (-1 << n) + 1
	}
	return v, nil
}

func (d *JPEG) truncated() error {
	return fmt.Errorf("%w: entropy data ended at row %d", ErrTruncated, d.rowsOut)
}

func (d *JPEG) decodeBlock(c *component, off int) error {
	var blk [64]int32
	qt := &d.qtab[c.qtSel]

	s, err := d.huffman(d.vlc[c.dcSel])
	if err != nil {
		return err
	}
	if s > 16 {
		return corrupt("bad DC magnitude %d", s)
	}
	if s > 0 {
		v, err := d.receive(int(s))
		if err != nil {
			return err
		}
		c.dcPred += v
	}
	blk[0] = int32(c.dcPred) * qt[0]

	for k := 1; k < 64; {
		rs, err := d.huffman(d.vlc[2+c.acSel])
		if err != nil {
			return err
		}
		r, s := int(rs>>4), int(rs&15)
		if s == 0 {
			if r != 15 {
				break // EOB
			}
			k += 16
			continue
		}
		k += r
		if k > 63 {
			return corrupt("bad AC run")
		}
		v, err := d.receive(s)
		if err != nil {
			return err
		}
		blk[zz[k]] = int32(v) * qt[k]
		k++
	}
	idct(&blk, c.pixels, off, c.stride)
	return nil
}

func (d *JPEG) restart() error {
	d.bufBits, d.padBits, d.markerHit = 0, 0, false
	for {
		if d.pos+1 >= len(d.data) {
			if d.eof {
				return fmt.Errorf("%w: missing restart marker", ErrTruncated)
			}
			return errNeedMore
		}
		if d.data[d.pos] != 0xFF {
			return corrupt("expected restart marker")
		}
		if d.data[d.pos+1] != 0xFF {
			break
		}
		d.pos++
	}
	if m := d.data[d.pos+1]; m != 0xD0+byte(d.nextRst) {
		return corrupt("bad restart marker 0x%02X", m)
	}
	d.pos += 2
	d.nextRst = (d.nextRst + 1) & 7
	d.rstCount = d.rstInterval
	for i := range d.comp {
		d.comp[i].dcPred = 0
	}
	return nil
}

// decodeRow decodes MCU row d.mcuRow into the component planes. It returns
// false, with the entropy state rolled back, when the buffered bytes end
// before the row does.
func (d *JPEG) decodeRow() (bool, error) {
	saved := d.scanState
	for i := 0; i < d.ncomp; i++ {
		saved.dcPred[i] = d.comp[i].dcPred
	}
	err := d.decodeMCUs()
	if err == errNeedMore {
		d.scanState = saved
		for i := 0; i < d.ncomp; i++ {
			d.comp[i].dcPred = saved.dcPred[i]
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *JPEG) decodeMCUs() error {
	last := d.mbWidth * d.mbHeight
	for mbx := 0; mbx < d.mbWidth; mbx++ {
		for _, ci := range d.scanOrder[:d.ncomp] {
			c := &d.comp[ci]
			for sby := 0; sby < c.ssY; sby++ {
				for sbx := 0; sbx < c.ssX; sbx++ {
					if err := d.decodeBlock(c, sby*8*c.stride+(mbx*c.ssX+sbx)*8); err != nil {
						return err
					}
				}
			}
		}
		if d.rstInterval > 0 {
			d.rstCount--
			if d.rstCount == 0 && d.mcuRow*d.mbWidth+mbx+1 < last {
				if err := d.restart(); err != nil {
					return err
				}
			}
		}
	}
	if d.bufBits < d.padBits {
		return d.truncated()
	}
	return nil
}

// convertRow upsamples and color converts the decoded MCU row.
func (d *JPEG) convertRow() Run {
	y0 := d.mcuRow * d.mbSizeY
	n := min(d.mbSizeY, d.height-y0)
	stride := d.width * 4
	out := d.out[:n*stride]
	for yy := 0; yy < n; yy++ {
		dst := out[yy*stride : (yy+1)*stride]
		c0 := &d.comp[0]
		p0 := c0.pixels[(yy>>c0.vs)*c0.stride:]
		if d.ncomp == 1 {
			for x := 0; x < d.width; x++ {
				v := p0[x]
				dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = v, v, v, 0xFF
			}
			continue
		}
		c1, c2 := &d.comp[1], &d.comp[2]
		p1 := c1.pixels[(yy>>c1.vs)*c1.stride:]
		p2 := c2.pixels[(yy>>c2.vs)*c2.stride:]
		if d.isRGB {
			for x := 0; x < d.width; x++ {
				dst[4*x] = p0[x>>c0.hs]
				dst[4*x+1] = p1[x>>c1.hs]
				dst[4*x+2] = p2[x>>c2.hs]
				dst[4*x+3] = 0xFF
			}
			continue
		}
		for x := 0; x < d.width; x++ {
			r, g, b := color.YCbCrToRGB(p0[x>>c0.hs], p1[x>>c1.hs], p2[x>>c2.hs])
			dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = r, g, b, 0xFF
		}
	}
	return Run{Y: y0, Rows: n, Width: d.width, Stride: stride, Pix: out}
}
