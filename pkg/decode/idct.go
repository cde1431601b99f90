package decode

// Integer inverse DCT (scaled by 2^11), the same arithmetic as the standard
// library decoder so both produce identical samples.
const (
	w1 = 2841 // 2048*sqrt(2)*cos(1*pi/16)
	w2 = 2676 // 2048*sqrt(2)*cos(2*pi/16)
	w3 = 2408 // 2048*sqrt(2)*cos(3*pi/16)
	w5 = 1609 // 2048*sqrt(2)*cos(5*pi/16)
	w6 = 1108 // 2048*sqrt(2)*cos(6*pi/16)
	w7 = 565  // 2048*sqrt(2)*cos(7*pi/16)

	r2 = 181 // 256/sqrt(2)
)

// zz maps zigzag order to natural order
var zz = [64]int{
	0, 1, 8, 16, 9, 2, 3, 10, 17, 24, 32, 25, 18,
	11, 4, 5, 12, 19, 26, 33, 40, 48, 41, 34, 27, 20, 13, 6, 7, 14, 21, 28, 35,
	42, 49, 56, 57, 50, 43, 36, 29, 22, 15, 23, 30, 37, 44, 51, 58, 59, 52, 45,
	38, 31, 39, 46, 53, 60, 61, 54, 47, 55, 62, 63,
}

func clamp(x int32) byte {
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return byte(x)
}

// idct transforms blk and writes the 8x8 samples to out at off.
func idct(blk *[64]int32, out []byte, off, stride int) {
	for i := 0; i < 64; i += 8 {
		rowIdct(blk[i : i+8 : i+8])
	}
	for x := 0; x < 8; x++ {
		colIdct(blk, x, out[off+x:], stride)
	}
}

func rowIdct(b []int32) {
	_ = b[7]
	x1 := b[4] << 11
	x2 := b[6]
	x3 := b[2]
	x4 := b[1]
	x5 := b[7]
	x6 := b[5]
	x7 := b[3]
	if x1|x2|x3|x4|x5|x6|x7 == 0 {
		dc := b[0] << 3
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7] = dc, dc, dc, dc, dc, dc, dc, dc
		return
	}
	x0 := (b[0] << 11) + 128

	x8 := w7 * (x4 + x5)
	x4 = x8 + (w1-w7)*x4
	x5 = x8 - (w1+w7)*x5
	x8 = w3 * (x6 + x7)
	x6 = x8 - (w3-w5)*x6
	x7 = x8 - (w3+w5)*x7

	x8 = x0 + x1
	x0 -= x1
	x1 = w6 * (x3 + x2)
	x2 = x1 - (w2+w6)*x2
	x3 = x1 + (w2-w6)*x3

	x1 = x4 + x6
	x4 -= x6
	x6 = x5 + x7
	x5 -= x7

	x7 = x8 + x3
	x8 -= x3
	x3 = x0 + x2
	x0 -= x2

	x2 = (r2*(x4+x5) + 128) >> 8
	x4 = (r2*(x4-x5) + 128) >> 8

	b[0] = (x7 + x1) >> 8
	b[1] = (x3 + x2) >> 8
	b[2] = (x0 + x4) >> 8
	b[3] = (x8 + x6) >> 8
	b[4] = (x8 - x6) >> 8
	b[5] = (x0 - x4) >> 8
	b[6] = (x3 - x2) >> 8
	b[7] = (x7 - x1) >> 8
}

func colIdct(blk *[64]int32, x int, out []byte, stride int) {
	_ = out[7*stride]
	y0 := (blk[x] << 8) + 8192
	y1 := blk[x+8*4] << 8
	y2 := blk[x+8*6]
	y3 := blk[x+8*2]
	y4 := blk[x+8*1]
	y5 := blk[x+8*7]
	y6 := blk[x+8*5]
	y7 := blk[x+8*3]

	y8 := w7*(y4+y5) + 4
	y4 = (y8 + (w1-w7)*y4) >> 3
	y5 = (y8 - (w1+w7)*y5) >> 3
	y8 = w3*(y6+y7) + 4
	y6 = (y8 - (w3-w5)*y6) >> 3
	y7 = (y8 - (w3+w5)*y7) >> 3

	y8 = y0 + y1
	y0 -= y1
	y1 = w6*(y3+y2) + 4
	y2 = (y1 - (w2+w6)*y2) >> 3
	y3 = (y1 + (w2-w6)*y3) >> 3

	y1 = y4 + y6
	y4 -= y6
	y6 = y5 + y7
	y5 -= y7

	y7 = y8 + y3
	y8 -= y3
	y3 = y0 + y2
	y0 -= y2

	y2 = (r2*(y4+y5) + 128) >> 8
	y4 = (r2*(y4-y5) + 128) >> 8

	out[0] = clamp(((y7 + y1) >> 14) + 128)
	out[stride] = clamp(((y3 + y2) >> 14) + 128)
	out[2*stride] = clamp(((y0 + y4) >> 14) + 128)
	out[3*stride] = clamp(((y8 + y6) >> 14) + 128)
	out[4*stride] = clamp(((y8 - y6) >> 14) + 128)
	out[5*stride] = clamp(((y0 - y4) >> 14) + 128)
	out[6*stride] = clamp(((y3 - y2) >> 14) + 128)
	out[7*stride] = clamp(((y7 - y1) >> 14) + 128)
}
