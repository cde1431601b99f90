package pyramid

import (
	"errors"
	"fmt"
	"image"

	"github.com/jpfielding/pyramid.go/pkg/level"
)

// Reader serves finished tiles of a pyramid. It may be shared by any number
// of goroutines and never blocks the builder.
type Reader struct {
	p *Pyramid
}

// NewReader returns a tile reader over p
func NewReader(p *Pyramid) *Reader {
	return &Reader{p: p}
}

// Tile returns display tile (row, col) of level k as TileSize^2 RGBA pixels.
func (r *Reader) Tile(k, row, col int) ([]byte, error) {
	return r.TileInto(nil, k, row, col)
}

// TileInto is Tile reusing dst when it is large enough.
func (r *Reader) TileInto(dst []byte, k, row, col int) ([]byte, error) {
	st, err := r.p.level(k)
	if err != nil {
		return nil, err
	}
	g := st.geom
	if !g.InRange(row, col) {
		return nil, fmt.Errorf("%w: level %d tile (%d, %d)", level.ErrOutOfRange, k, row, col)
	}
	if int64(storageBand(g, row, col)) >= st.watermark.Load() {
		if r.p.Failed() {
			return nil, fmt.Errorf("%w: %w", ErrFailed, r.p.Err())
		}
		return nil, ErrNotReady
	}
	l := st.lvl.Load()
	if l == nil {
		return nil, ErrNotReady
	}
	dst, err = l.ReadTile(row, col, dst)
	if errors.Is(err, level.ErrClosed) {
		return nil, ErrClosed
	}
	return dst, err
}

// TileImage returns the tile as an image
func (r *Reader) TileImage(k, row, col int) (*image.RGBA, error) {
	pix, err := r.Tile(k, row, col)
	if err != nil {
		return nil, err
	}
	t := r.p.cfg.TileSize
	return &image.RGBA{Pix: pix, Stride: t * 4, Rect: image.Rect(0, 0, t, t)}, nil
}

// Tile is shorthand for NewReader(p).Tile
func (p *Pyramid) Tile(k, row, col int) ([]byte, error) {
	return NewReader(p).Tile(k, row, col)
}

// Ready reports whether display tile (row, col) of level k can be read.
func (r *Reader) Ready(k, row, col int) bool {
	st, err := r.p.level(k)
	if err != nil || !st.geom.InRange(row, col) {
		return false
	}
	return int64(storageBand(st.geom, row, col)) < st.watermark.Load()
}
