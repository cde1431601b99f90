package decode

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// frameComp is one SOF component: its id and sampling factors
type frameComp struct {
	id   byte
	h, v int
}

// jpegLayout selects the stream features writeJPEG emits
type jpegLayout struct {
	width, height int
	comps         []frameComp
	restart       int  // DRI interval in MCUs, 0 for none
	adobe         int  // APP14 transform, -1 for no APP14 segment
	progressive   bool // SOF2: one DC scan, then one AC scan per component
	separate      bool // baseline with one scan per component
}

const testQuant = 2

// acSymbols lists every run/size symbol a block of 8-bit samples can need
var acSymbols = func() []byte {
	s := []byte{0x00, 0xF0}
	for r := 0; r < 16; r++ {
		for size := 1; size <= 10; size++ {
			s = append(s, byte(r<<4|size))
		}
	}
	return s
}()

var dctCos = func() (t [8][8]float64) {
	for x := 0; x < 8; x++ {
		for u := 0; u < 8; u++ {
			t[x][u] = math.Cos(float64(2*x+1) * float64(u) * math.Pi / 16)
		}
	}
	return t
}()

// jpegWriter is a minimal Huffman JPEG encoder. DC categories use fixed
// 4-bit codes and AC symbols fixed 8-bit codes, so one table of each class
// serves every component.
type jpegWriter struct {
	l          jpegLayout
	out        []byte
	acc        uint32
	nbits      uint
	acCode     [256]uint32
	hmax, vmax int
	rst        int
}

// writeJPEG encodes a textured pattern with layout l
func writeJPEG(t *testing.T, l jpegLayout) []byte {
	t.Helper()
	require.NotEmpty(t, l.comps)
	w := &jpegWriter{l: l, hmax: 1, vmax: 1}
	for i, s := range acSymbols {
		w.acCode[s] = uint32(i)
	}
	for _, c := range l.comps {
		w.hmax, w.vmax = max(w.hmax, c.h), max(w.vmax, c.v)
	}

	w.out = []byte{0xFF, 0xD8}
	if l.adobe >= 0 {
		w.segment(0xEE, []byte{'A', 'd', 'o', 'b', 'e', 0, 100, 0, 0, 0, 0, byte(l.adobe)})
	}
	dqt := make([]byte, 65)
	for i := 1; i < len(dqt); i++ {
		dqt[i] = testQuant
	}
	w.segment(0xDB, dqt)

	sof := []byte{8}
	sof = binary.BigEndian.AppendUint16(sof, uint16(l.height))
	sof = binary.BigEndian.AppendUint16(sof, uint16(l.width))
	sof = append(sof, byte(len(l.comps)))
	for _, c := range l.comps {
		sof = append(sof, c.id, byte(c.h<<4|c.v), 0)
	}
	if l.progressive {
		w.segment(0xC2, sof)
	} else {
		w.segment(0xC0, sof)
	}

	dht := []byte{0x00}
	dcCounts := make([]byte, 16)
	dcCounts[3] = 12
	dht = append(dht, dcCounts...)
	for s := 0; s < 12; s++ {
		dht = append(dht, byte(s))
	}
	acCounts := make([]byte, 16)
	acCounts[7] = byte(len(acSymbols))
	dht = append(dht, 0x10)
	dht = append(dht, acCounts...)
	dht = append(dht, acSymbols...)
	w.segment(0xC4, dht)

	if l.restart > 0 {
		w.segment(0xDD, binary.BigEndian.AppendUint16(nil, uint16(l.restart)))
	}

	all := make([]int, len(l.comps))
	for i := range all {
		all[i] = i
	}
	switch {
	case l.progressive:
		w.scan(all, 0, 0)
		for i := range l.comps {
			w.scan([]int{i}, 1, 63)
		}
	case l.separate:
		for i := range l.comps {
			w.scan([]int{i}, 0, 63)
		}
	default:
		w.scan(all, 0, 63)
	}
	return append(w.out, 0xFF, 0xD9)
}

func (w *jpegWriter) segment(marker byte, body []byte) {
	w.out = append(w.out, 0xFF, marker)
	w.out = binary.BigEndian.AppendUint16(w.out, uint16(len(body)+2))
	w.out = append(w.out, body...)
}

// sample is the source value of component c at plane position (x, y)
func sample(c, x, y int) int {
	v := (x*9 + y*5 + c*60 + (x*y)%23) & 0xFF
	if (x/5+y/3)%2 == 0 {
		v = 255 - v
	}
	return v
}

// coefficients returns the quantized DCT of block (bx, by) of component c
// in natural order
func coefficients(c, bx, by int) [64]int {
	var px [64]float64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			px[y*8+x] = float64(sample(c, bx*8+x, by*8+y) - 128)
		}
	}
	var out [64]int
	for v := 0; v < 8; v++ {
		for u := 0; u < 8; u++ {
			sum := 0.0
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					sum += px[y*8+x] * dctCos[x][u] * dctCos[y][v]
				}
			}
			cu, cv := 1.0, 1.0
			if u == 0 {
				cu = 1 / math.Sqrt2
			}
			if v == 0 {
				cv = 1 / math.Sqrt2
			}
			out[v*8+u] = int(math.Round(sum * cu * cv / 4 / testQuant))
		}
	}
	return out
}

// scan writes one SOS segment and its entropy-coded data covering
// coefficients ss through se of the listed components
func (w *jpegWriter) scan(comps []int, ss, se byte) {
	sos := []byte{byte(len(comps))}
	for _, ci := range comps {
		sos = append(sos, w.l.comps[ci].id, 0x00)
	}
	sos = append(sos, ss, se, 0)
	w.segment(0xDA, sos)

	dc, ac := ss == 0, se > 0
	preds := make([]int, len(comps))
	w.rst = 0
	if len(comps) == 1 {
		// non-interleaved: the component's blocks in raster order
		bw, bh := (w.l.width+7)/8, (w.l.height+7)/8
		for m := 0; m < bw*bh; m++ {
			w.block(coefficients(comps[0], m%bw, m/bw), &preds[0], dc, ac)
			w.restartAfter(m, bw*bh, preds)
		}
	} else {
		mw := (w.l.width + 8*w.hmax - 1) / (8 * w.hmax)
		mh := (w.l.height + 8*w.vmax - 1) / (8 * w.vmax)
		for m := 0; m < mw*mh; m++ {
			mx, my := m%mw, m/mw
			for i, ci := range comps {
				fc := w.l.comps[ci]
				for by := 0; by < fc.v; by++ {
					for bx := 0; bx < fc.h; bx++ {
						w.block(coefficients(ci, mx*fc.h+bx, my*fc.v+by), &preds[i], dc, ac)
					}
				}
			}
			w.restartAfter(m, mw*mh, preds)
		}
	}
	w.flush()
}

func (w *jpegWriter) restartAfter(m, total int, preds []int) {
	if w.l.restart == 0 || (m+1)%w.l.restart != 0 || m+1 >= total {
		return
	}
	w.flush()
	w.out = append(w.out, 0xFF, 0xD0+byte(w.rst&7))
	w.rst++
	clear(preds)
}

func (w *jpegWriter) block(coef [64]int, pred *int, dc, ac bool) {
	if dc {
		diff := coef[0] - *pred
		*pred = coef[0]
		size := category(diff)
		w.bits(uint32(size), 4)
		w.value(diff, size)
	}
	if !ac {
		return
	}
	run := 0
	for k := 1; k < 64; k++ {
		v := coef[zz[k]]
		if v == 0 {
			run++
			continue
		}
		for ; run > 15; run -= 16 {
			w.bits(w.acCode[0xF0], 8)
		}
		size := category(v)
		w.bits(w.acCode[byte(run<<4|size)], 8)
		w.value(v, size)
		run = 0
	}
	if run > 0 {
		w.bits(w.acCode[0x00], 8)
	}
}

func category(v int) int {
	if v < 0 {
		v = -v
	}
	n := 0
	for v > 0 {
		v >>= 1
		n++
	}
	return n
}

func (w *jpegWriter) value(v, size int) {
	if size == 0 {
		return
	}
	if v < 0 {
		v += 1<<size - 1
	}
	w.bits(uint32(v), uint(size))
}

func (w *jpegWriter) bits(code uint32, n uint) {
	for i := n; i > 0; i-- {
		w.acc = w.acc<<1 | (code>>(i-1))&1
		w.nbits++
		if w.nbits == 8 {
			w.out = append(w.out, byte(w.acc))
			if byte(w.acc) == 0xFF {
				w.out = append(w.out, 0x00)
			}
			w.acc, w.nbits = 0, 0
		}
	}
}

// flush pads the last byte with 1 bits
func (w *jpegWriter) flush() {
	for w.nbits != 0 {
		w.bits(1, 1)
	}
}
