package level

import (
	"errors"
	"fmt"
	"os"
)

// ErrOutOfRange is returned for tile coordinates outside the display grid
var ErrOutOfRange = errors.New("level: tile out of range")

// Extent locates one tile inside a level's mapped region. The tile occupies
// Rows runs of RowBytes bytes, Stride bytes apart, starting at Offset.
type Extent struct {
	Offset   int64
	Stride   int
	RowBytes int
	Rows     int
}

// End returns the offset one past the last byte of the tile
func (e Extent) End() int64 {
	return e.Offset + int64(e.Rows-1)*int64(e.Stride) + int64(e.RowBytes)
}

// Geometry is the addressing of one level: the source-orientation tile grid
// laid out row-major in the file, shifted so that display tile boundaries
// coincide with storage tile boundaries whatever the orientation.
type Geometry struct {
	Width       int // source orientation pixels
	Height      int
	TileSize    int
	Orientation Orientation

	Cols        int // storage grid
	Rows        int
	BytesPerRow int

	ShiftX int // background pixels before the first source column
	ShiftY int // background rows before the first source row

	Reserve  int64 // empty region at the start of the file
	GridBase int64 // file offset of storage tile (0, 0)
}

// NewGeometry computes the addressing of a width x height level
func NewGeometry(width, height, tileSize int, o Orientation) (Geometry, error) {
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("level: invalid size %dx%d", width, height)
	}
	if tileSize < 8 || tileSize&(tileSize-1) != 0 {
		return Geometry{}, fmt.Errorf("level: tile size %d is not a power of two >= 8", tileSize)
	}
	if !o.Valid() {
		return Geometry{}, fmt.Errorf("level: invalid orientation %d", int(o))
	}
	t := tileSize
	g := Geometry{
		Width:       width,
		Height:      height,
		TileSize:    t,
		Orientation: o,
		Cols:        (width + t - 1) / t,
		Rows:        (height + t - 1) / t,
	}
	g.BytesPerRow = g.Cols * t * 4
	if o.FlipX() {
		g.ShiftX = (t - width%t) % t
	}
	if o.FlipY() {
		g.ShiftY = (t - height%t) % t
	}
	worst := int64(t-1)*int64(g.BytesPerRow) + int64(t-1)*4
	page := int64(os.Getpagesize())
	g.Reserve = (worst + page - 1) / page * page
	g.GridBase = g.Reserve - int64(g.ShiftY)*int64(g.BytesPerRow) - int64(g.ShiftX)*4
	return g, nil
}

// BandBytes is the size of one storage tile-row band
func (g Geometry) BandBytes() int { return g.TileSize * g.BytesPerRow }

// GridEnd is the file offset one past the last storage band
func (g Geometry) GridEnd() int64 {
	return g.GridBase + int64(g.Rows)*int64(g.BandBytes())
}

// FileSize is the size of the backing file before truncation
func (g Geometry) FileSize() int64 {
	return g.Reserve + int64(g.Rows)*int64(g.BandBytes())
}

// DisplaySize returns the level size after orientation
func (g Geometry) DisplaySize() (int, int) {
	return g.Orientation.DisplaySize(g.Width, g.Height)
}

// DisplayGrid returns the number of display tile rows and columns
func (g Geometry) DisplayGrid() (rows, cols int) {
	if g.Orientation.Transposed() {
		return g.Cols, g.Rows
	}
	return g.Rows, g.Cols
}

// StorageTile maps display tile (row, col) to its storage tile.
func (g Geometry) StorageTile(row, col int) (srow, scol int) {
	o := g.Orientation
	if o.Transposed() {
		row, col = col, row
	}
	srow, scol = row, col
	if o.FlipY() {
		srow = g.Rows - 1 - srow
	}
	if o.FlipX() {
		scol = g.Cols - 1 - scol
	}
	return srow, scol
}

// DisplayTile maps storage tile (srow, scol) to its display tile.
func (g Geometry) DisplayTile(srow, scol int) (row, col int) {
	o := g.Orientation
	if o.FlipY() {
		srow = g.Rows - 1 - srow
	}
	if o.FlipX() {
		scol = g.Cols - 1 - scol
	}
	if o.Transposed() {
		return scol, srow
	}
	return srow, scol
}

// InRange reports whether (row, col) lies on the display grid
func (g Geometry) InRange(row, col int) bool {
	rows, cols := g.DisplayGrid()
	return row >= 0 && col >= 0 && row < rows && col < cols
}

// TileExtent locates display tile (row, col) in the mapped region.
func (g Geometry) TileExtent(row, col int) (Extent, error) {
	if !g.InRange(row, col) {
		return Extent{}, fmt.Errorf("%w: (%d, %d)", ErrOutOfRange, row, col)
	}
	sr, sc := g.StorageTile(row, col)
	return Extent{
		Offset:   g.GridBase + int64(sr)*int64(g.BandBytes()) + int64(sc*g.TileSize*4),
		Stride:   g.BytesPerRow,
		RowBytes: g.TileSize * 4,
		Rows:     g.TileSize,
	}, nil
}

// Band returns the storage band holding source row y
func (g Geometry) Band(y int) int {
	return (y + g.ShiftY) / g.TileSize
}

// BandSourceRows returns the half-open range of source rows stored in band,
// and the row inside the band where the first of them lands.
func (g Geometry) BandSourceRows(band int) (first, last, at int) {
	top := band*g.TileSize - g.ShiftY
	first = max(top, 0)
	last = min(top+g.TileSize, g.Height)
	return first, last, first - top
}
