package pyramid

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/jpfielding/pyramid.go/pkg/level"
)

// builder turns source rows into stored bands for every level. It runs on
// the goroutine that feeds the pyramid.
type builder struct {
	p       *Pyramid
	levels  []*levelBuilder
	bg      [4]byte
	flushes int
}

// levelBuilder accumulates one storage band of a level and reduces every
// completed band into the next level.
type levelBuilder struct {
	b    *builder
	st   *levelState
	band []byte // TileSize rows of BytesPerRow, background filled
	next *levelBuilder

	pending    []byte // even source row waiting for its pair
	hasPending bool
	out        []byte // reduced row handed to next
}

func newBuilder(p *Pyramid, levels []*levelState) *builder {
	bg := p.cfg.Background
	b := &builder{p: p, bg: [4]byte{bg.R, bg.G, bg.B, bg.A}}
	for _, st := range levels {
		g := st.geom
		lb := &levelBuilder{
			b:    b,
			st:   st,
			band: make([]byte, g.BandBytes()),
		}
		fill(lb.band, b.bg)
		b.levels = append(b.levels, lb)
	}
	for k := 0; k+1 < len(b.levels); k++ {
		lb := b.levels[k]
		lb.next = b.levels[k+1]
		lb.pending = make([]byte, lb.st.geom.Width*4)
		lb.out = make([]byte, lb.next.st.geom.Width*4)
	}
	return b
}

// push stores source row y (Width RGBA pixels) of this level.
func (lb *levelBuilder) push(row []byte, y int) error {
	g := lb.st.geom
	if y < 0 || y >= g.Height {
		return fmt.Errorf("level %d: row %d outside height %d", lb.st.index, y, g.Height)
	}
	band := g.Band(y)
	at := y + g.ShiftY - band*g.TileSize
	off := at*g.BytesPerRow + g.ShiftX*4
	copy(lb.band[off:off+g.Width*4], row)
	if at == g.TileSize-1 || y == g.Height-1 {
		return lb.complete(band)
	}
	return nil
}

// complete writes the band, publishes it and cascades its rows.
func (lb *levelBuilder) complete(band int) error {
	p := lb.b.p
	if p.failed.Load() {
		return p.Err()
	}
	l := lb.st.lvl.Load()
	if l == nil {
		var err error
		if l, err = p.allocate(lb.st); err != nil {
			return err
		}
	}
	if err := l.WriteTileRow(band, lb.band); err != nil {
		return err
	}
	if err := lb.b.maybeFlush(); err != nil {
		return err
	}
	lb.st.watermark.Store(int64(band + 1))

	if lb.next != nil {
		g := lb.st.geom
		first, last, at := g.BandSourceRows(band)
		for y := first; y < last; y++ {
			off := (at+y-first)*g.BytesPerRow + g.ShiftX*4
			if err := lb.reduce(lb.band[off:off+g.Width*4], y); err != nil {
				return err
			}
		}
	}
	fill(lb.band, lb.b.bg)
	return nil
}

// reduce pairs source rows and hands their 2x2 average to the next level.
// An odd last row is averaged on its own.
func (lb *levelBuilder) reduce(row []byte, y int) error {
	if y%2 == 0 {
		if y == lb.st.geom.Height-1 {
			downsample(lb.out, row, nil)
			return lb.next.push(lb.out, y/2)
		}
		copy(lb.pending, row)
		lb.hasPending = true
		return nil
	}
	if !lb.hasPending {
		return fmt.Errorf("level %d: row %d arrived without row %d", lb.st.index, y, y-1)
	}
	downsample(lb.out, lb.pending, row)
	lb.hasPending = false
	return lb.next.push(lb.out, y/2)
}

// maybeFlush syncs every level of this pyramid once unflushed writes across
// the process outgrow the free memory budget.
func (b *builder) maybeFlush() error {
	m := b.p.monitor
	unflushed := m.Unflushed()
	if !m.ShouldFlush(unflushed) {
		return nil
	}
	for _, lb := range b.levels {
		if l := lb.st.lvl.Load(); l != nil && l.Unflushed() > 0 {
			if err := l.Flush(); err != nil {
				return err
			}
		}
	}
	b.flushes++
	b.p.log.Debug("Flushed levels",
		slog.Int64("unflushed", unflushed),
		slog.Uint64("freeMemory", m.FreeMemory()),
		slog.Int("flushes", b.flushes))
	return nil
}

// finish checks that every band of every level has been published.
func (b *builder) finish() error {
	for _, lb := range b.levels {
		g := lb.st.geom
		if n := lb.st.watermark.Load(); n != int64(g.Rows) {
			return fmt.Errorf("level %d: %d of %d bands written", lb.st.index, n, g.Rows)
		}
		if lb.hasPending {
			return fmt.Errorf("level %d: unpaired row left over", lb.st.index)
		}
	}
	return nil
}

// downsample writes the 2x2 box average of rows a and b into dst, which
// holds ceil(len(a)/8) pixels. A nil b or an odd last column averages only
// the pixels that exist.
func downsample(dst, a, b []byte) {
	w := len(a) / 4
	for x := 0; x < len(dst)/4; x++ {
		i := 8 * x
		two := 2*x+1 < w
		for c := 0; c < 4; c++ {
			sum, n := int(a[i+c]), 1
			if two {
				sum += int(a[i+4+c])
				n++
			}
			if b != nil {
				sum += int(b[i+c])
				n++
				if two {
					sum += int(b[i+4+c])
					n++
				}
			}
			dst[4*x+c] = byte((sum + n/2) / n)
		}
	}
}

// fill paints every pixel of pix with px
func fill(pix []byte, px [4]byte) {
	if len(pix) < 4 {
		return
	}
	copy(pix, px[:])
	for n := 4; n < len(pix); n *= 2 {
		copy(pix[n:], pix[:n])
	}
}

func heapInuse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// storageBand returns the storage band holding display tile (row, col)
func storageBand(g level.Geometry, row, col int) int {
	sr, _ := g.StorageTile(row, col)
	return sr
}
