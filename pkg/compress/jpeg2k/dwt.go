package jpeg2k

// 5/3 reversible lifting (T.800 Annex F) with whole-sample symmetric
// extension. A signal of length n keeps its ceil(n/2) low-pass samples first.

// wavelet owns the scratch lines shared by every pass over one plane
type wavelet struct {
	line []int
	low  []int
	high []int
}

func newWavelet(width, height int) *wavelet {
	n := max(width, height)
	return &wavelet{
		line: make([]int, n),
		low:  make([]int, (n+1)/2),
		high: make([]int, n/2),
	}
}

func (w *wavelet) forward1D(s []int) {
	n := len(s)
	if n < 2 {
		return
	}
	half := (n + 1) / 2
	low, high := w.low[:half], w.high[:n-half]
	for i := range low {
		low[i] = s[2*i]
	}
	for i := range high {
		high[i] = s[2*i+1]
	}
	for i := range high {
		right := low[i]
		if i+1 < half {
			right = low[i+1]
		}
		high[i] -= (low[i] + right) >> 1
	}
	for i := range low {
		left, right := high[0], high[0]
		if i > 0 {
			left = high[i-1]
		}
		if i < len(high) {
			right = high[i]
		} else {
			right = left
		}
		low[i] += (left + right + 2) >> 2
	}
	copy(s, low)
	copy(s[half:], high)
}

func (w *wavelet) inverse1D(s []int) {
	n := len(s)
	if n < 2 {
		return
	}
	half := (n + 1) / 2
	low, high := w.low[:half], w.high[:n-half]
	copy(low, s[:half])
	copy(high, s[half:])
	for i := range low {
		left, right := high[0], high[0]
		if i > 0 {
			left = high[i-1]
		}
		if i < len(high) {
			right = high[i]
		} else {
			right = left
		}
		low[i] -= (left + right + 2) >> 2
	}
	for i := range high {
		right := low[i]
		if i+1 < half {
			right = low[i+1]
		}
		high[i] += (low[i] + right) >> 1
	}
	for i := range low {
		s[2*i] = low[i]
	}
	for i := range high {
		s[2*i+1] = high[i]
	}
}

// region transforms the top-left w x h region of a plane with row stride
// stride, rows first on the way forward and columns first on the way back.
func (w *wavelet) region(data []int, stride, width, height int, inverse bool) {
	rows := func(f func([]int)) {
		for y := 0; y < height; y++ {
			f(data[y*stride : y*stride+width])
		}
	}
	cols := func(f func([]int)) {
		col := w.line[:height]
		for x := 0; x < width; x++ {
			for y := range col {
				col[y] = data[y*stride+x]
			}
			f(col)
			for y, v := range col {
				data[y*stride+x] = v
			}
		}
	}
	if inverse {
		cols(w.inverse1D)
		rows(w.inverse1D)
		return
	}
	rows(w.forward1D)
	cols(w.forward1D)
}

// levelSizes lists the region transformed at each decomposition level
func levelSizes(width, height, levels int) [][2]int {
	var out [][2]int
	for l := 0; l < levels && width >= 2 && height >= 2; l++ {
		out = append(out, [2]int{width, height})
		width, height = (width+1)/2, (height+1)/2
	}
	return out
}

// forwardDWT decomposes a plane in place
func forwardDWT(data []int, width, height, levels int) {
	w := newWavelet(width, height)
	for _, sz := range levelSizes(width, height, levels) {
		w.region(data, width, sz[0], sz[1], false)
	}
}

// inverseDWT reconstructs a plane decomposed by forwardDWT
func inverseDWT(data []int, width, height, levels int) {
	w := newWavelet(width, height)
	sizes := levelSizes(width, height, levels)
	for i := len(sizes) - 1; i >= 0; i-- {
		w.region(data, width, sizes[i][0], sizes[i][1], true)
	}
}
