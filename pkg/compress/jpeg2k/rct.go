package jpeg2k

// forwardRCT replaces R, G, B with Y, Cb, Cr (T.800 G.2)
func forwardRCT(r, g, b []int) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = (ri + 2*gi + bi) >> 2
		g[i] = bi - gi
		b[i] = ri - gi
	}
}

// inverseRCT replaces Y, Cb, Cr with R, G, B
func inverseRCT(y, cb, cr []int) {
	for i := range y {
		g := y[i] - (cb[i]+cr[i])>>2
		y[i], cb[i], cr[i] = cr[i]+g, g, cb[i]+g
	}
}
