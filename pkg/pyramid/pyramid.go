package pyramid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpfielding/pyramid.go/pkg/decode"
	"github.com/jpfielding/pyramid.go/pkg/level"
	"github.com/jpfielding/pyramid.go/pkg/resource"
)

// levelState is the part of a level shared between the builder and readers.
type levelState struct {
	index     int
	geom      level.Geometry
	lvl       atomic.Pointer[level.Level] // nil until the first band is written
	watermark atomic.Int64                // storage bands fully written
}

// layout is fixed once the header is known and published as a whole.
type layout struct {
	orientation level.Orientation
	width       int // display size of level 0
	height      int
	levels      []*levelState
}

// Pyramid builds a multi-resolution tile pyramid from an encoded image
// stream and serves finished tiles while the build is still running.
//
// Feed, Finish and Consume must be called from one goroutine. Tile reads,
// Cancel and the accessors are safe from any goroutine.
type Pyramid struct {
	ID      uuid.UUID
	cfg     Config
	log     *slog.Logger
	monitor *resource.Monitor
	dec     decode.Decoder
	b       *builder

	layout atomic.Pointer[layout]
	ready  chan struct{}
	done   chan struct{}

	mu       sync.Mutex // guards err, closed, level allocation and the finished transition
	err      error
	closed   bool
	failed   atomic.Bool
	finished atomic.Bool
	doneOnce sync.Once

	started time.Time
	ended   time.Time
	props   map[string]any
}

// New creates an empty pyramid ready to be fed.
func New(cfg Config) (*Pyramid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pyramid config: %w", err)
	}
	id := uuid.New()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = resource.Default()
	}
	return &Pyramid{
		ID:      id,
		cfg:     cfg,
		log:     logger.With(slog.String("pyramid_id", id.String())),
		monitor: monitor,
		dec:     decode.New(cfg.Mode),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}, nil
}

// Build reads r to the end and builds a pyramid from it. Cancelling ctx
// cancels the build. The pyramid is returned even on failure so that tiles
// finished before the failure stay readable; the caller must Close it.
func Build(ctx context.Context, r io.Reader, cfg Config) (*Pyramid, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, p.Cancel)
	defer stop()
	buf := make([]byte, cfg.ChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := p.Feed(buf[:n]); err != nil {
				return p, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return p, p.Finish()
		}
		if rerr != nil {
			return p, p.Fail(rerr)
		}
	}
}

// BuildFile builds a pyramid from a local file handed to the decoder in one
// piece.
func BuildFile(ctx context.Context, path string, cfg Config) (*Pyramid, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, p.Cancel)
	defer stop()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, p.Fail(err)
	}
	p.log.Debug("Building from file", slog.String("path", path), slog.Int("size", len(data)))
	if err := p.Feed(data); err != nil {
		return p, err
	}
	return p, p.Finish()
}

// Consume feeds chunks until the channel is closed, then finishes the
// stream. Cancelling ctx cancels the build.
func (p *Pyramid) Consume(ctx context.Context, chunks <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			p.Cancel()
			return p.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return p.Finish()
			}
			if err := p.Feed(chunk); err != nil {
				return err
			}
		}
	}
}

// Feed hands the next chunk of the encoded stream to the decoder and builds
// every band it completes.
func (p *Pyramid) Feed(chunk []byte) error {
	if err := p.Err(); err != nil {
		return err
	}
	if err := p.dec.Feed(chunk); err != nil {
		return p.fail(err)
	}
	return p.drain()
}

// Finish marks the end of the stream and completes the build.
func (p *Pyramid) Finish() error {
	if p.finished.Load() {
		return nil
	}
	if err := p.Err(); err != nil {
		return err
	}
	if err := p.dec.Finish(); err != nil {
		return p.fail(err)
	}
	if err := p.drain(); err != nil {
		return err
	}
	if !p.finished.Load() {
		return p.fail(fmt.Errorf("%w: stream ended before the last row", decode.ErrTruncated))
	}
	return nil
}

// Fail aborts the build with reason, typically a transport error.
func (p *Pyramid) Fail(reason error) error {
	if reason == nil {
		reason = ErrFailed
	}
	return p.fail(reason)
}

// Cancel stops the build at the next band boundary. Published tiles stay
// readable.
func (p *Pyramid) Cancel() {
	if p.finished.Load() {
		return
	}
	p.fail(ErrCancelled)
}

func (p *Pyramid) fail(err error) error {
	p.mu.Lock()
	if p.finished.Load() {
		// a completed build keeps its result
		p.mu.Unlock()
		return err
	}
	first := p.err == nil
	if first {
		p.err = err
		p.failed.Store(true)
	}
	err = p.err
	p.mu.Unlock()
	if first {
		if errors.Is(err, ErrCancelled) {
			p.log.Info("Pyramid build cancelled")
		} else {
			p.log.Error("Pyramid build failed", slog.Any("error", err))
		}
		p.closeDone()
	}
	return err
}

func (p *Pyramid) closeDone() {
	p.doneOnce.Do(func() {
		p.ended = time.Now()
		close(p.done)
	})
}

// drain pulls decoded rows into the builder until the decoder wants more
// bytes or the image is complete.
func (p *Pyramid) drain() error {
	if p.b == nil {
		hdr, ok := p.dec.Header()
		if !ok {
			return nil
		}
		if err := p.setup(hdr); err != nil {
			return p.fail(err)
		}
	}
	for {
		if p.failed.Load() {
			return p.Err()
		}
		run, err := p.dec.Scanlines()
		if errors.Is(err, io.EOF) {
			return p.finalize()
		}
		if err != nil {
			return p.fail(err)
		}
		if run.Rows == 0 {
			return nil
		}
		if run.Width != p.b.levels[0].st.geom.Width {
			return p.fail(fmt.Errorf("%w: run is %d pixels wide, image is %d",
				decode.ErrCorruptStream, run.Width, p.b.levels[0].st.geom.Width))
		}
		for i := 0; i < run.Rows; i++ {
			if err := p.b.levels[0].push(run.Row(i), run.Y+i); err != nil {
				return p.fail(err)
			}
		}
	}
}

// setup fixes the orientation and level layout from the header.
func (p *Pyramid) setup(hdr decode.Header) error {
	o := p.cfg.Orientation
	if o == 0 {
		o = level.Orientation(hdr.Orientation)
		if !o.Valid() {
			o = level.TopLeft
		}
	}
	sizes := planLevels(hdr.Width, hdr.Height, o, p.cfg)
	lay := &layout{orientation: o}
	lay.width, lay.height = o.DisplaySize(hdr.Width, hdr.Height)
	for k, s := range sizes {
		g, err := level.NewGeometry(s.width, s.height, p.cfg.TileSize, o)
		if err != nil {
			return fmt.Errorf("level %d: %w", k, err)
		}
		lay.levels = append(lay.levels, &levelState{index: k, geom: g})
	}
	p.b = newBuilder(p, lay.levels)
	props := hdr.Properties()
	props["pyramid_id"] = p.ID.String()
	props["levels"] = len(lay.levels)
	props["display_orientation"] = int(o)
	p.mu.Lock()
	p.props = props
	p.mu.Unlock()
	p.layout.Store(lay)
	close(p.ready)
	p.log.Info("Pyramid header parsed",
		slog.Int("width", hdr.Width),
		slog.Int("height", hdr.Height),
		slog.String("format", hdr.Format),
		slog.String("orientation", o.String()),
		slog.Int("levels", len(lay.levels)),
		slog.Int("tileSize", p.cfg.TileSize),
		slog.String("mode", p.dec.Mode().String()))
	return nil
}

// finalize flushes and trims every level once the last row has been built.
func (p *Pyramid) finalize() error {
	if p.finished.Load() {
		return nil
	}
	if err := p.b.finish(); err != nil {
		return p.fail(err)
	}
	var written int64
	for _, st := range p.layout.Load().levels {
		l := st.lvl.Load()
		if l == nil {
			continue
		}
		if err := l.Flush(); err != nil {
			return p.fail(err)
		}
		if err := l.Truncate(); err != nil {
			return p.fail(err)
		}
		written += st.geom.GridEnd() - st.geom.GridBase
	}
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.finished.Store(true)
	p.mu.Unlock()
	p.closeDone()
	stats := p.monitor.Stats()
	p.log.Info("Pyramid complete",
		slog.Duration("elapsed", p.ended.Sub(p.started)),
		slog.Int("levels", len(p.layout.Load().levels)),
		slog.Int64("bytesWritten", written),
		slog.Int("flushes", p.b.flushes),
		slog.Uint64("freeMemory", stats.FreeMemory),
		slog.Uint64("heapInuse", heapInuse()))
	return nil
}

// Ready is closed once the image header is known. It stays open if the
// build fails first; wait on Done as well.
func (p *Pyramid) Ready() <-chan struct{} { return p.ready }

// Done is closed when the build completes, fails or is cancelled.
func (p *Pyramid) Done() <-chan struct{} { return p.done }

// Logger returns the logger scoped to this pyramid
func (p *Pyramid) Logger() *slog.Logger { return p.log }

// Err returns the cause of a failed build
func (p *Pyramid) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Failed reports whether the build has failed or been cancelled
func (p *Pyramid) Failed() bool { return p.failed.Load() }

// Complete reports whether every level has been built
func (p *Pyramid) Complete() bool { return p.finished.Load() }

// Elapsed returns the time since New, or the total once done
func (p *Pyramid) Elapsed() time.Duration {
	select {
	case <-p.done:
		return p.ended.Sub(p.started)
	default:
	}
	return time.Since(p.started)
}

// ImageSize returns the displayed size of the full resolution image, or
// zeros before the header is known.
func (p *Pyramid) ImageSize() (width, height int) {
	lay := p.layout.Load()
	if lay == nil {
		return 0, 0
	}
	return lay.width, lay.height
}

// Orientation returns the orientation applied to the tiles
func (p *Pyramid) Orientation() level.Orientation {
	lay := p.layout.Load()
	if lay == nil {
		return 0
	}
	return lay.orientation
}

// ZoomLevelCount returns the number of levels, 0 before the header is known.
func (p *Pyramid) ZoomLevelCount() int {
	lay := p.layout.Load()
	if lay == nil {
		return 0
	}
	return len(lay.levels)
}

// GridSize returns the display tile grid of level k.
func (p *Pyramid) GridSize(k int) (rows, cols int, err error) {
	st, err := p.level(k)
	if err != nil {
		return 0, 0, err
	}
	rows, cols = st.geom.DisplayGrid()
	return rows, cols, nil
}

// LevelSize returns the displayed pixel size of level k.
func (p *Pyramid) LevelSize(k int) (width, height int, err error) {
	st, err := p.level(k)
	if err != nil {
		return 0, 0, err
	}
	width, height = st.geom.DisplaySize()
	return width, height, nil
}

// TileSize returns the tile edge length in pixels
func (p *Pyramid) TileSize() int { return p.cfg.TileSize }

// Properties returns the source properties known so far.
func (p *Pyramid) Properties() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props == nil {
		return map[string]any{"pyramid_id": p.ID.String()}
	}
	return maps.Clone(p.props)
}

func (p *Pyramid) level(k int) (*levelState, error) {
	lay := p.layout.Load()
	if lay == nil {
		return nil, ErrNotReady
	}
	if k < 0 || k >= len(lay.levels) {
		return nil, fmt.Errorf("%w: level %d of %d", level.ErrOutOfRange, k, len(lay.levels))
	}
	return lay.levels[k], nil
}

func (p *Pyramid) levelPath(k int) string {
	return filepath.Join(p.cfg.ScratchDir, fmt.Sprintf("pyramid-%s-L%d.tiles", p.ID, k))
}

// allocate creates the backing file of st unless the pyramid is closed.
func (p *Pyramid) allocate(st *levelState) (*level.Level, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if l := st.lvl.Load(); l != nil {
		return l, nil
	}
	l, err := level.Allocate(p.levelPath(st.index), st.index, st.geom, p.monitor, p.log)
	if err != nil {
		return nil, err
	}
	st.lvl.Store(l)
	return l, nil
}

// Close stops any running build and removes the scratch files.
func (p *Pyramid) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	if !p.finished.Load() {
		p.fail(ErrClosed)
	}
	lay := p.layout.Load()
	if lay == nil {
		return nil
	}
	var errs []error
	for _, st := range lay.levels {
		if l := st.lvl.Load(); l != nil {
			errs = append(errs, l.Close())
		}
	}
	p.log.Debug("Pyramid closed")
	return errors.Join(errs...)
}
