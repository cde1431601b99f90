// Package archive exports the servable tiles of a pyramid into a single
// zstd compressed stream and reads such streams back.
//
// Stream layout (big endian, inside the zstd frame):
//
//	magic "PYRTILES", version u16, tile size u32, level count u16
//	per level: width u32, height u32 (displayed size)
//	entries: level u16, row u32, col u32, kind u8, payload
//	end: level 0xFFFF
//
// A kind of KindUniform carries one RGBA pixel repeated over the tile;
// KindPixels carries the full TileSize^2 RGBA tile.
package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/klauspost/compress/zstd"
)

const (
	magic   = "PYRTILES"
	version = 1
	endMark = 0xFFFF
)

// Entry kinds
const (
	KindPixels  byte = 0
	KindUniform byte = 1
)

var (
	ErrFormat  = errors.New("archive: invalid stream")
	ErrVersion = errors.New("archive: unsupported version")
)

// LevelInfo is the displayed size of one level
type LevelInfo struct {
	Width  int
	Height int
}

// Grid returns the tile grid of the level for tile size t
func (l LevelInfo) Grid(t int) (rows, cols int) {
	return (l.Height + t - 1) / t, (l.Width + t - 1) / t
}

// Header describes the exported pyramid
type Header struct {
	TileSize int
	Levels   []LevelInfo
}

// Entry is one tile read back from a stream. Pix always holds the expanded
// tile.
type Entry struct {
	Level   int
	Row     int
	Col     int
	Uniform bool
	Pix     []byte
}

// Writer encodes tiles into a zstd stream. Close must be called to flush
// the end marker and the zstd frame.
type Writer struct {
	hdr   Header
	enc   *zstd.Encoder
	bw    *bufio.Writer
	buf   [11]byte
	count int
}

// NewWriter writes the stream header for hdr to w
func NewWriter(w io.Writer, hdr Header) (*Writer, error) {
	if hdr.TileSize <= 0 || len(hdr.Levels) == 0 || len(hdr.Levels) >= endMark {
		return nil, fmt.Errorf("%w: tile size %d with %d levels", ErrFormat, hdr.TileSize, len(hdr.Levels))
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(runtime.NumCPU()))
	if err != nil {
		return nil, err
	}
	aw := &Writer{hdr: hdr, enc: enc, bw: bufio.NewWriterSize(enc, 1<<16)}
	aw.bw.WriteString(magic)
	b := aw.buf[:]
	binary.BigEndian.PutUint16(b, version)
	binary.BigEndian.PutUint32(b[2:], uint32(hdr.TileSize))
	binary.BigEndian.PutUint16(b[6:], uint16(len(hdr.Levels)))
	aw.bw.Write(b[:8])
	for _, l := range hdr.Levels {
		binary.BigEndian.PutUint32(b, uint32(l.Width))
		binary.BigEndian.PutUint32(b[4:], uint32(l.Height))
		aw.bw.Write(b[:8])
	}
	return aw, nil
}

// WriteTile appends one tile. Tiles made of a single color are stored as
// that color only.
func (w *Writer) WriteTile(level, row, col int, pix []byte) error {
	t := w.hdr.TileSize
	if level < 0 || level >= len(w.hdr.Levels) {
		return fmt.Errorf("%w: level %d", ErrFormat, level)
	}
	if len(pix) != t*t*4 {
		return fmt.Errorf("%w: tile is %d bytes, want %d", ErrFormat, len(pix), t*t*4)
	}
	kind := KindPixels
	if uniform(pix) {
		kind = KindUniform
	}
	b := w.buf[:]
	binary.BigEndian.PutUint16(b, uint16(level))
	binary.BigEndian.PutUint32(b[2:], uint32(row))
	binary.BigEndian.PutUint32(b[6:], uint32(col))
	b[10] = kind
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	payload := pix
	if kind == KindUniform {
		payload = pix[:4]
	}
	if _, err := w.bw.Write(payload); err != nil {
		return err
	}
	w.count++
	return nil
}

// Close writes the end marker and closes the zstd frame. The underlying
// writer is left open.
func (w *Writer) Close() error {
	binary.BigEndian.PutUint16(w.buf[:], endMark)
	_, err := w.bw.Write(w.buf[:2])
	if err == nil {
		err = w.bw.Flush()
	}
	return errors.Join(err, w.enc.Close())
}

func uniform(pix []byte) bool {
	for i := 4; i < len(pix); i += 4 {
		if pix[i] != pix[0] || pix[i+1] != pix[1] || pix[i+2] != pix[2] || pix[i+3] != pix[3] {
			return false
		}
	}
	return true
}

// Reader iterates the tiles of a stream written by Writer
type Reader struct {
	Header
	dec  *zstd.Decoder
	br   *bufio.Reader
	done bool
}

// NewReader reads the stream header from r
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	ar := &Reader{dec: dec, br: bufio.NewReaderSize(dec, 1<<16)}
	if err := ar.readHeader(); err != nil {
		dec.Close()
		return nil, err
	}
	return ar, nil
}

func (r *Reader) readHeader() error {
	var b [16]byte
	if _, err := io.ReadFull(r.br, b[:len(magic)]); err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if string(b[:len(magic)]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrFormat, b[:len(magic)])
	}
	if _, err := io.ReadFull(r.br, b[:8]); err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if v := binary.BigEndian.Uint16(b[:]); v != version {
		return fmt.Errorf("%w: %d", ErrVersion, v)
	}
	r.TileSize = int(binary.BigEndian.Uint32(b[2:]))
	n := int(binary.BigEndian.Uint16(b[6:]))
	if r.TileSize <= 0 || r.TileSize > 1<<15 || n == 0 {
		return fmt.Errorf("%w: tile size %d with %d levels", ErrFormat, r.TileSize, n)
	}
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r.br, b[:8]); err != nil {
			return fmt.Errorf("%w: level table: %w", ErrFormat, err)
		}
		r.Levels = append(r.Levels, LevelInfo{
			Width:  int(binary.BigEndian.Uint32(b[:])),
			Height: int(binary.BigEndian.Uint32(b[4:])),
		})
	}
	return nil
}

// Next returns the next tile, or io.EOF after the last one. dst is reused
// for the pixels when large enough.
func (r *Reader) Next(dst []byte) (Entry, error) {
	if r.done {
		return Entry{}, io.EOF
	}
	var b [11]byte
	if _, err := io.ReadFull(r.br, b[:2]); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	level := int(binary.BigEndian.Uint16(b[:]))
	if level == endMark {
		r.done = true
		return Entry{}, io.EOF
	}
	if _, err := io.ReadFull(r.br, b[2:]); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	e := Entry{
		Level: level,
		Row:   int(binary.BigEndian.Uint32(b[2:])),
		Col:   int(binary.BigEndian.Uint32(b[6:])),
	}
	if level >= len(r.Levels) {
		return Entry{}, fmt.Errorf("%w: level %d of %d", ErrFormat, level, len(r.Levels))
	}
	if rows, cols := r.Levels[level].Grid(r.TileSize); e.Row >= rows || e.Col >= cols {
		return Entry{}, fmt.Errorf("%w: tile (%d, %d) outside level %d", ErrFormat, e.Row, e.Col, level)
	}
	n := r.TileSize * r.TileSize * 4
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	e.Pix = dst[:n]
	switch b[10] {
	case KindPixels:
		if _, err := io.ReadFull(r.br, e.Pix); err != nil {
			return Entry{}, fmt.Errorf("%w: %w", ErrFormat, err)
		}
	case KindUniform:
		if _, err := io.ReadFull(r.br, e.Pix[:4]); err != nil {
			return Entry{}, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		for i := 4; i < n; i *= 2 {
			copy(e.Pix[i:], e.Pix[:i])
		}
		e.Uniform = true
	default:
		return Entry{}, fmt.Errorf("%w: entry kind %d", ErrFormat, b[10])
	}
	return e, nil
}

// Close releases the decoder
func (r *Reader) Close() {
	r.dec.Close()
}

// Source is what Export reads tiles from
type Source interface {
	TileSize() int
	ZoomLevelCount() int
	LevelSize(k int) (width, height int, err error)
	Tile(k, row, col int) ([]byte, error)
}

// loggerSource is implemented by sources that carry a scoped logger
type loggerSource interface {
	Logger() *slog.Logger
}

// Stats summarizes an export
type Stats struct {
	Tiles   int // tiles written
	Uniform int // of which stored as one color
	Skipped int // tiles not yet servable
}

// Export writes every tile src can serve right now. Tiles that fail with
// skip(err) == true are counted and left out; any other error stops the
// export. A nil skip leaves out nothing. Sources with a Logger method log
// through it.
func Export(ctx context.Context, w io.Writer, src Source, skip func(error) bool) (Stats, error) {
	var st Stats
	hdr := Header{TileSize: src.TileSize()}
	for k := 0; k < src.ZoomLevelCount(); k++ {
		lw, lh, err := src.LevelSize(k)
		if err != nil {
			return st, err
		}
		hdr.Levels = append(hdr.Levels, LevelInfo{Width: lw, Height: lh})
	}
	aw, err := NewWriter(w, hdr)
	if err != nil {
		return st, err
	}
	for k, l := range hdr.Levels {
		rows, cols := l.Grid(hdr.TileSize)
		for r := 0; r < rows; r++ {
			if err := ctx.Err(); err != nil {
				aw.Close()
				return st, err
			}
			for c := 0; c < cols; c++ {
				pix, err := src.Tile(k, r, c)
				if err != nil {
					if skip != nil && skip(err) {
						st.Skipped++
						continue
					}
					aw.Close()
					return st, fmt.Errorf("tile %d/%d/%d: %w", k, r, c, err)
				}
				if uniform(pix) {
					st.Uniform++
				}
				if err := aw.WriteTile(k, r, c, pix); err != nil {
					aw.Close()
					return st, err
				}
				st.Tiles++
			}
		}
	}
	logger := slog.Default()
	if ls, ok := src.(loggerSource); ok && ls.Logger() != nil {
		logger = ls.Logger()
	}
	logger.DebugContext(ctx, "Archive written",
		slog.Int("tiles", st.Tiles),
		slog.Int("uniform", st.Uniform),
		slog.Int("skipped", st.Skipped))
	return st, aw.Close()
}
