// Package level implements file-backed storage for one resolution level of a
// tile pyramid. Pixels are kept in source orientation in a memory-mapped
// file; orientation is resolved when tiles are addressed and read.
package level

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jpfielding/pyramid.go/pkg/resource"
	"golang.org/x/sys/unix"
)

var (
	// ErrIO covers create, resize, map and sync failures of a backing file
	ErrIO = errors.New("level: i/o failure")
	// ErrDiskFull is returned when the scratch filesystem cannot hold a level
	ErrDiskFull = errors.New("level: disk full")
	// ErrClosed is returned by operations on a closed level
	ErrClosed = errors.New("level: closed")
)

// StorageError reports a failed storage operation on one level.
type StorageError struct {
	Op    string
	Level int
	Path  string
	Kind  error // ErrIO or ErrDiskFull
	Err   error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("level %d: %s %s: %v", e.Level, e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("level %d: %s %s: %v: %v", e.Level, e.Op, e.Path, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Level is one mapped resolution level.
type Level struct {
	Index int
	Geom  Geometry

	path    string
	file    *os.File
	data    []byte
	monitor *resource.Monitor
	log     *slog.Logger

	// lifecycle lock: shared for reads and band writes, exclusive only for
	// Truncate and Close
	mu        sync.RWMutex
	closed    bool
	truncated bool

	unflushed atomic.Int64
}

// Allocate creates the backing file at path, sizes it for g and maps it.
// A nil monitor skips the free disk check; a nil logger uses slog.Default.
func Allocate(path string, index int, g Geometry, monitor *resource.Monitor, logger *slog.Logger) (*Level, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := g.FileSize()
	serr := func(op string, kind, err error) error {
		return &StorageError{Op: op, Level: index, Path: path, Kind: kind, Err: err}
	}
	if monitor != nil {
		free, err := monitor.FreeDisk(filepath.Dir(path))
		if err != nil {
			return nil, serr("statfs", ErrIO, err)
		}
		if need := uint64(g.GridEnd() - g.GridBase); free < need {
			return nil, serr("allocate", ErrDiskFull, fmt.Errorf("need %d bytes, %d free", need, free))
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, serr("create", ErrIO, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(path)
	}
	if err := f.Truncate(size); err != nil {
		cleanup()
		return nil, serr("resize", ErrIO, err)
	}
	// reserve real blocks for the grid so a full disk shows up here and not
	// as a fault on a mapped page
	if err := preallocate(f, g.GridBase, g.GridEnd()-g.GridBase); err != nil {
		cleanup()
		if errors.Is(err, unix.ENOSPC) {
			return nil, serr("allocate", ErrDiskFull, err)
		}
		return nil, serr("allocate", ErrIO, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, serr("mmap", ErrIO, err)
	}
	logger.Debug("Level allocated",
		slog.Int("level", index),
		slog.Int("width", g.Width),
		slog.Int("height", g.Height),
		slog.Int64("bytes", size),
		slog.String("path", path))
	return &Level{
		Index:   index,
		Geom:    g,
		path:    path,
		file:    f,
		data:    data,
		monitor: monitor,
		log:     logger,
	}, nil
}

// Path returns the backing file path
func (l *Level) Path() string { return l.path }

// WriteTileRow stores one complete storage band. pix holds BandBytes bytes:
// TileSize rows of BytesPerRow bytes each, background already applied.
func (l *Level) WriteTileRow(band int, pix []byte) error {
	g := l.Geom
	if band < 0 || band >= g.Rows {
		return fmt.Errorf("%w: band %d of %d", ErrOutOfRange, band, g.Rows)
	}
	if len(pix) != g.BandBytes() {
		return fmt.Errorf("level %d: band is %d bytes, want %d", l.Index, len(pix), g.BandBytes())
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	off := g.GridBase + int64(band)*int64(g.BandBytes())
	copy(l.data[off:off+int64(len(pix))], pix)
	l.unflushed.Add(int64(len(pix)))
	if l.monitor != nil {
		l.monitor.AddUnflushed(int64(len(pix)))
	}
	return nil
}

// Unflushed returns the bytes written since the last Flush
func (l *Level) Unflushed() int64 { return l.unflushed.Load() }

// Flush synchronously writes dirty pages back to the file.
func (l *Level) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return &StorageError{Op: "msync", Level: l.Index, Path: l.path, Kind: ErrIO, Err: err}
	}
	n := l.unflushed.Swap(0)
	if l.monitor != nil && n > 0 {
		l.monitor.Flushed(n)
	}
	return nil
}

// Truncate releases the unused front reserve and trims the file to the end
// of the grid. Only the first call does anything.
func (l *Level) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.truncated {
		return nil
	}
	l.truncated = true
	g := l.Geom
	page := int64(os.Getpagesize())
	if hole := g.GridBase / page * page; hole > 0 {
		if err := punchHole(l.file, 0, hole); err != nil {
			l.log.Debug("Punch hole unsupported", slog.Int("level", l.Index), slog.Any("error", err))
		}
	}
	if end := g.GridEnd(); end < g.FileSize() {
		if err := l.file.Truncate(end); err != nil {
			return &StorageError{Op: "truncate", Level: l.Index, Path: l.path, Kind: ErrIO, Err: err}
		}
		// pages past the new end would fault; keep the slice (and its cap for
		// munmap) but never index beyond the grid
		l.data = l.data[:end]
	}
	return nil
}

// ReadTile copies display tile (row, col) into dst in display orientation,
// growing dst as needed, and returns it. Tiles are TileSize^2 RGBA pixels.
func (l *Level) ReadTile(row, col int, dst []byte) ([]byte, error) {
	g := l.Geom
	ext, err := g.TileExtent(row, col)
	if err != nil {
		return nil, err
	}
	t := g.TileSize
	n := t * t * 4
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	src := l.data[ext.Offset:ext.End()]
	o := g.Orientation
	if o == TopLeft {
		for v := 0; v < t; v++ {
			copy(dst[v*t*4:(v+1)*t*4], src[v*ext.Stride:v*ext.Stride+ext.RowBytes])
		}
		return dst, nil
	}
	// the mapping is affine: locate (0,0) and the steps along u and v
	x0, y0 := o.Apply(0, 0, t, t)
	x1, y1 := o.Apply(1, 0, t, t)
	x2, y2 := o.Apply(0, 1, t, t)
	base := (y0*t + x0) * 4
	du := ((y1-y0)*t + (x1 - x0)) * 4
	dv := ((y2-y0)*t + (x2 - x0)) * 4
	for v := 0; v < t; v++ {
		s := src[v*ext.Stride : v*ext.Stride+ext.RowBytes]
		d := base + v*dv
		for u := 0; u < len(s); u += 4 {
			copy(dst[d:d+4], s[u:u+4])
			d += du
		}
	}
	return dst, nil
}

// Close unmaps the region, closes and removes the backing file.
func (l *Level) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	if err := unix.Munmap(l.data[:cap(l.data)]); err != nil {
		errs = append(errs, &StorageError{Op: "munmap", Level: l.Index, Path: l.path, Kind: ErrIO, Err: err})
	}
	l.data = nil
	if n := l.unflushed.Swap(0); n > 0 && l.monitor != nil {
		l.monitor.Flushed(n)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, &StorageError{Op: "close", Level: l.Index, Path: l.path, Kind: ErrIO, Err: err})
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, &StorageError{Op: "remove", Level: l.Index, Path: l.path, Kind: ErrIO, Err: err})
	}
	return errors.Join(errs...)
}
