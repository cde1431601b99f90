package pyramid

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jpfielding/pyramid.go/pkg/decode"
	"github.com/jpfielding/pyramid.go/pkg/level"
	"github.com/jpfielding/pyramid.go/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, tile, target int) Config {
	t.Helper()
	m, err := resource.NewMonitor(resource.DefaultConfig(), resource.StaticSampler{Memory: 1 << 40, Disk: 1 << 40})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TileSize = tile
	cfg.TargetWidth, cfg.TargetHeight = target, target
	cfg.ScratchDir = t.TempDir()
	cfg.Monitor = m
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x * y) & 0xFF), A: 0xFF}
			if (x/9+y/7)%2 == 0 {
				c.B = 255 - c.B
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []byte{c.R, c.G, c.B, c.A})
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// build feeds data in chunks of n bytes (0 = one call) and finishes
func build(t *testing.T, cfg Config, data []byte, n int) *Pyramid {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	if n <= 0 {
		n = len(data)
	}
	for off := 0; off < len(data); off += n {
		require.NoError(t, p.Feed(data[off:min(off+n, len(data))]))
	}
	require.NoError(t, p.Finish())
	require.True(t, p.Complete())
	return p
}

type tileKey struct{ level, row, col int }

func allTiles(t *testing.T, p *Pyramid) map[tileKey][]byte {
	t.Helper()
	out := map[tileKey][]byte{}
	for k := 0; k < p.ZoomLevelCount(); k++ {
		rows, cols, err := p.GridSize(k)
		require.NoError(t, err)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				pix, err := p.Tile(k, r, c)
				require.NoError(t, err, "level %d tile (%d, %d)", k, r, c)
				out[tileKey{k, r, c}] = pix
			}
		}
	}
	return out
}

// display renders src the way it is shown under orientation o
func display(src *image.RGBA, o level.Orientation) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := o.DisplaySize(w, h)
	out := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			x, y := o.Apply(u, v, w, h)
			out.SetRGBA(x, y, src.RGBAAt(u, v))
		}
	}
	return out
}

// halve is the reference 2x2 reduction with rounding and edge handling
func halve(src *image.RGBA) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := image.NewRGBA(image.Rect(0, 0, (w+1)/2, (h+1)/2))
	for y := 0; y < out.Rect.Dy(); y++ {
		for x := 0; x < out.Rect.Dx(); x++ {
			var sum [4]int
			n := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					u, v := 2*x+dx, 2*y+dy
					if u >= w || v >= h {
						continue
					}
					c := src.RGBAAt(u, v)
					sum[0] += int(c.R)
					sum[1] += int(c.G)
					sum[2] += int(c.B)
					sum[3] += int(c.A)
					n++
				}
			}
			out.SetRGBA(x, y, color.RGBA{
				R: uint8((sum[0] + n/2) / n), G: uint8((sum[1] + n/2) / n),
				B: uint8((sum[2] + n/2) / n), A: uint8((sum[3] + n/2) / n),
			})
		}
	}
	return out
}

// checkLevel compares every tile of level k against the displayed image
func checkLevel(t *testing.T, p *Pyramid, k int, want *image.RGBA, bg color.RGBA) {
	t.Helper()
	ts := p.TileSize()
	rows, cols, err := p.GridSize(k)
	require.NoError(t, err)
	w, h, err := p.LevelSize(k)
	require.NoError(t, err)
	require.Equal(t, want.Rect.Dx(), w)
	require.Equal(t, want.Rect.Dy(), h)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tile, err := NewReader(p).TileImage(k, r, c)
			require.NoError(t, err)
			for j := 0; j < ts; j++ {
				for i := 0; i < ts; i++ {
					x, y := c*ts+i, r*ts+j
					exp := bg
					if x < w && y < h {
						exp = want.RGBAAt(x, y)
					}
					if got := tile.RGBAAt(i, j); got != exp {
						require.Failf(t, "pixel mismatch", "level %d tile (%d, %d) pixel (%d, %d): got %v want %v",
							k, r, c, i, j, got, exp)
					}
				}
			}
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"tile not power of two", func(c *Config) { c.TileSize = 100 }, false},
		{"tile too small", func(c *Config) { c.TileSize = 4 }, false},
		{"zero target", func(c *Config) { c.TargetWidth = 0 }, false},
		{"min above max", func(c *Config) { c.MinLevels, c.MaxLevels = 5, 4 }, false},
		{"orientation", func(c *Config) { c.Orientation = 9 }, false},
		{"auto orientation", func(c *Config) { c.Orientation = 0 }, true},
		{"no scratch", func(c *Config) { c.ScratchDir = "" }, false},
		{"mode", func(c *Config) { c.Mode = decode.Mode(42) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestPlanLevels(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		o      level.Orientation
		min    int
		max    int
		target [2]int
		want   []levelSize
	}{
		{"fits already", 500, 400, level.TopLeft, 1, 12, [2]int{1024, 1024}, []levelSize{{500, 400}}},
		{"halves until it fits", 4000, 3000, level.TopLeft, 1, 12, [2]int{1024, 1024},
			[]levelSize{{4000, 3000}, {2000, 1500}, {1000, 750}}},
		{"odd sizes round up", 1025, 3, level.TopLeft, 1, 12, [2]int{512, 512},
			[]levelSize{{1025, 3}, {513, 2}, {257, 1}}},
		{"min levels", 500, 500, level.TopLeft, 3, 12, [2]int{1024, 1024},
			[]levelSize{{500, 500}, {250, 250}, {125, 125}}},
		{"max levels", 4000, 3000, level.TopLeft, 1, 2, [2]int{1024, 1024},
			[]levelSize{{4000, 3000}, {2000, 1500}}},
		{"upright", 2000, 500, level.TopLeft, 1, 12, [2]int{1024, 600},
			[]levelSize{{2000, 500}, {1000, 250}}},
		{"transposed compares display size", 2000, 500, level.RightTop, 1, 12, [2]int{1024, 600},
			[]levelSize{{2000, 500}, {1000, 250}, {500, 125}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.MinLevels, c.MaxLevels = tt.min, tt.max
			c.TargetWidth, c.TargetHeight = tt.target[0], tt.target[1]
			assert.Equal(t, tt.want, planLevels(tt.w, tt.h, tt.o, c))
		})
	}
}

func TestDownsample(t *testing.T) {
	px := func(v ...byte) []byte { return v }
	tests := []struct {
		name string
		a, b []byte
		want []byte
	}{
		{"2x2", px(0, 0, 0, 255, 4, 8, 12, 255), px(8, 8, 8, 255, 12, 16, 20, 255), px(6, 8, 10, 255)},
		{"rounds half up", px(0, 0, 0, 0, 1, 1, 1, 1), px(0, 0, 0, 0, 1, 1, 1, 1), px(1, 1, 1, 1)},
		{"odd column", px(10, 10, 10, 255), px(20, 20, 20, 255), px(15, 15, 15, 255)},
		{"last row alone", px(10, 20, 30, 255, 20, 30, 40, 255), nil, px(15, 25, 35, 255)},
		{"single pixel", px(7, 8, 9, 255), nil, px(7, 8, 9, 255)},
		{"three wide", px(0, 0, 0, 255, 2, 2, 2, 255, 9, 9, 9, 255), nil, px(1, 1, 1, 255, 9, 9, 9, 255)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, len(tt.want))
			downsample(dst, tt.a, tt.b)
			assert.Equal(t, tt.want, dst)
		})
	}
}

func TestFill(t *testing.T) {
	pix := make([]byte, 4*37)
	fill(pix, [4]byte{1, 2, 3, 4})
	for i := 0; i < len(pix); i += 4 {
		require.Equal(t, []byte{1, 2, 3, 4}, pix[i:i+4])
	}
}

func TestBuild_GridCoversLevels(t *testing.T) {
	cfg := testConfig(t, 64, 64)
	cfg.Mode = decode.ModeWholeImage
	p := build(t, cfg, encodePNG(t, gradient(300, 200)), 0)

	w, h := p.ImageSize()
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)
	require.Equal(t, 4, p.ZoomLevelCount())
	sizes := [][2]int{{300, 200}, {150, 100}, {75, 50}, {38, 25}}
	for k, s := range sizes {
		lw, lh, err := p.LevelSize(k)
		require.NoError(t, err)
		assert.Equal(t, s, [2]int{lw, lh})
		rows, cols, err := p.GridSize(k)
		require.NoError(t, err)
		assert.Equal(t, (s[1]+63)/64, rows, "level %d rows", k)
		assert.Equal(t, (s[0]+63)/64, cols, "level %d cols", k)
	}
	last := sizes[len(sizes)-1]
	assert.LessOrEqual(t, max(last[0], last[1]), 64)

	_, _, err := p.GridSize(4)
	assert.ErrorIs(t, err, level.ErrOutOfRange)
	_, err = p.Tile(0, 4, 0)
	assert.ErrorIs(t, err, level.ErrOutOfRange)

	props := p.Properties()
	assert.Equal(t, 300, props["width"])
	assert.Equal(t, "png", props["format"])
	assert.Equal(t, 4, props["levels"])
	assert.Equal(t, p.ID.String(), props["pyramid_id"])
}

func TestBuild_UniformColor(t *testing.T) {
	c := color.RGBA{R: 10, G: 200, B: 30, A: 255}
	for _, o := range []level.Orientation{level.TopLeft, level.RightTop, level.BottomRight} {
		t.Run(o.String(), func(t *testing.T) {
			cfg := testConfig(t, 32, 40)
			cfg.Mode = decode.ModeWholeImage
			cfg.Orientation = o
			p := build(t, cfg, encodePNG(t, uniform(301, 203, c)), 0)
			for k := 0; k < p.ZoomLevelCount(); k++ {
				w, h, err := p.LevelSize(k)
				require.NoError(t, err)
				checkLevel(t, p, k, uniform(w, h, c), cfg.Background)
			}
		})
	}
}

func TestBuild_TilesMatchSource(t *testing.T) {
	src := gradient(101, 70)
	data := encodePNG(t, src)
	for o := level.TopLeft; o <= level.LeftBottom; o++ {
		t.Run(o.String(), func(t *testing.T) {
			cfg := testConfig(t, 16, 32)
			cfg.Mode = decode.ModeWholeImage
			cfg.Orientation = o
			p := build(t, cfg, data, 0)
			require.Equal(t, o, p.Orientation())
			lvl := src
			for k := 0; k < p.ZoomLevelCount(); k++ {
				checkLevel(t, p, k, display(lvl, o), cfg.Background)
				lvl = halve(lvl)
			}
		})
	}
}

func TestBuild_ChunkedMatchesOneShot(t *testing.T) {
	data := encodeJPEG(t, gradient(300, 200))
	cfg := testConfig(t, 32, 64)
	want := allTiles(t, build(t, cfg, data, 0))
	for _, n := range []int{1, 97, 4096} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			got := allTiles(t, build(t, testConfig(t, 32, 64), data, n))
			require.Equal(t, len(want), len(got))
			for k, pix := range want {
				require.Equal(t, pix, got[k], "tile %+v", k)
			}
		})
	}
}

func TestBuild_ModesAgree(t *testing.T) {
	data := encodeJPEG(t, gradient(130, 90))
	want := allTiles(t, build(t, testConfig(t, 32, 32), data, 0))
	for _, mode := range []decode.Mode{decode.ModeBatch, decode.ModeWholeImage} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := testConfig(t, 32, 32)
			cfg.Mode = mode
			got := allTiles(t, build(t, cfg, data, 1000))
			assert.Equal(t, want, got)
		})
	}
}

func TestBuild_SingleLevel(t *testing.T) {
	cfg := testConfig(t, 16, 1024)
	cfg.Mode = decode.ModeWholeImage
	src := gradient(20, 9)
	p := build(t, cfg, encodePNG(t, src), 0)
	require.Equal(t, 1, p.ZoomLevelCount())
	checkLevel(t, p, 0, src, cfg.Background)
}

func TestBuild_FromReaderAndFile(t *testing.T) {
	data := encodeJPEG(t, gradient(80, 60))
	cfg := testConfig(t, 16, 32)
	want := allTiles(t, build(t, cfg, data, 0))

	cfg.ChunkSize = 333
	p, err := Build(context.Background(), bytes.NewReader(data), cfg)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, want, allTiles(t, p))

	path := filepath.Join(t.TempDir(), "src.jpg")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	p2, err := BuildFile(context.Background(), path, cfg)
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, want, allTiles(t, p2))

	p3, err := BuildFile(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.True(t, p3.Failed())
	_ = p3.Close()
}

func TestBuild_ExifOrientation(t *testing.T) {
	src := gradient(48, 20)
	data := encodeJPEG(t, src)
	// APP1 with a big-endian TIFF header holding orientation 6
	exif := []byte("Exif\x00\x00MM\x00\x2a\x00\x00\x00\x08\x00\x01\x01\x12\x00\x03\x00\x00\x00\x01\x00\x06\x00\x00\x00\x00\x00\x00")
	seg := append([]byte{0xFF, 0xE1, byte((len(exif) + 2) >> 8), byte(len(exif) + 2)}, exif...)
	withExif := append(append(append([]byte{}, data[:2]...), seg...), data[2:]...)

	p := build(t, testConfig(t, 16, 64), withExif, 0)
	assert.Equal(t, level.RightTop, p.Orientation())
	w, h := p.ImageSize()
	assert.Equal(t, 20, w)
	assert.Equal(t, 48, h)

	cfg := testConfig(t, 16, 64)
	cfg.Orientation = level.TopLeft
	p = build(t, cfg, withExif, 0)
	w, h = p.ImageSize()
	assert.Equal(t, 48, w)
	assert.Equal(t, 20, h)
}

// partial feeds the first frac of data without finishing
func partial(t *testing.T, cfg Config, data []byte, frac float64) *Pyramid {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	n := int(float64(len(data)) * frac)
	for off := 0; off < n; off += 512 {
		require.NoError(t, p.Feed(data[off:min(off+512, n)]))
	}
	return p
}

func TestReader_WatermarkGatesTiles(t *testing.T) {
	data := encodeJPEG(t, gradient(64, 256))
	final := allTiles(t, build(t, testConfig(t, 16, 64), data, 0))

	p, err := New(testConfig(t, 16, 64))
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Tile(0, 0, 0)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, p.ZoomLevelCount())

	n := len(data) * 7 / 10
	require.NoError(t, p.Feed(data[:n]))
	select {
	case <-p.Ready():
	default:
		t.Fatal("header should be known")
	}
	st := p.layout.Load().levels[0]
	wm := int(st.watermark.Load())
	require.Greater(t, wm, 0)
	require.Less(t, wm, st.geom.Rows)

	r := NewReader(p)
	for row := 0; row < st.geom.Rows; row++ {
		pix, err := r.Tile(0, row, 0)
		if row < wm {
			require.NoError(t, err)
			assert.Equal(t, final[tileKey{0, row, 0}], pix)
			assert.True(t, r.Ready(0, row, 0))
		} else {
			assert.ErrorIs(t, err, ErrNotReady)
			assert.False(t, r.Ready(0, row, 0))
		}
	}

	require.NoError(t, p.Feed(data[n:]))
	require.NoError(t, p.Finish())
	<-p.Done()
	assert.Equal(t, final, allTiles(t, p))
}

func TestReader_ConcurrentWithBuilder(t *testing.T) {
	data := encodeJPEG(t, gradient(64, 800))
	final := allTiles(t, build(t, testConfig(t, 16, 64), data, 0))

	p, err := New(testConfig(t, 16, 64))
	require.NoError(t, err)
	defer p.Close()

	type seen struct {
		key tileKey
		pix []byte
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reads   []seen
		started = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			r := NewReader(p)
			<-started
			var buf []byte
			for {
				select {
				case <-p.Done():
					return
				default:
				}
				k := rng.IntN(p.ZoomLevelCount())
				rows, cols, err := p.GridSize(k)
				if err != nil {
					continue
				}
				key := tileKey{k, rng.IntN(rows), rng.IntN(cols)}
				pix, err := r.TileInto(buf, key.level, key.row, key.col)
				if err != nil {
					if err != ErrNotReady {
						t.Errorf("tile %+v: %v", key, err)
						return
					}
					continue
				}
				mu.Lock()
				reads = append(reads, seen{key, append([]byte(nil), pix...)})
				mu.Unlock()
				buf = pix
			}
		}(uint64(i + 1))
	}

	require.NoError(t, p.Feed(data[:1024]))
	<-p.Ready()
	close(started)
	for off := 1024; off < len(data); off += 256 {
		require.NoError(t, p.Feed(data[off:min(off+256, len(data))]))
	}
	require.NoError(t, p.Finish())
	wg.Wait()

	for _, s := range reads {
		require.Equal(t, final[s.key], s.pix, "tile %+v read mid-build", s.key)
	}
	assert.Equal(t, final, allTiles(t, p))
}

func TestCancel_KeepsPublishedTiles(t *testing.T) {
	data := encodeJPEG(t, gradient(64, 256))
	final := allTiles(t, build(t, testConfig(t, 16, 64), data, 0))

	p := partial(t, testConfig(t, 16, 64), data, 0.6)
	st := p.layout.Load().levels[0]
	wm := int(st.watermark.Load())
	require.Greater(t, wm, 0)

	p.Cancel()
	<-p.Done()
	assert.True(t, p.Failed())
	assert.ErrorIs(t, p.Err(), ErrCancelled)
	assert.ErrorIs(t, p.Feed(data[len(data)/2:]), ErrCancelled)
	assert.ErrorIs(t, p.Finish(), ErrCancelled)
	assert.Equal(t, int64(wm), st.watermark.Load())

	pix, err := p.Tile(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, final[tileKey{0, 0, 0}], pix)
	_, err = p.Tile(0, st.geom.Rows-1, 0)
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCancel_AfterCompletion(t *testing.T) {
	p := build(t, testConfig(t, 16, 32), encodeJPEG(t, gradient(48, 48)), 0)
	p.Cancel()
	assert.Equal(t, ErrCancelled, p.fail(ErrCancelled))
	assert.True(t, p.Complete())
	assert.False(t, p.Failed())
	assert.NoError(t, p.Err())
	_, err := p.Tile(0, 0, 0)
	assert.NoError(t, err)
}

func TestCancel_RacesCompletion(t *testing.T) {
	data := encodeJPEG(t, gradient(64, 64))
	for i := 0; i < 50; i++ {
		p, err := New(testConfig(t, 16, 32))
		require.NoError(t, err)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Cancel()
		}()
		ferr := p.Feed(data)
		if ferr == nil {
			ferr = p.Finish()
		}
		wg.Wait()
		<-p.Done()
		require.NotEqual(t, p.Complete(), p.Failed(), "iteration %d", i)
		if p.Complete() {
			assert.NoError(t, ferr)
			assert.NoError(t, p.Err())
		} else {
			assert.ErrorIs(t, p.Err(), ErrCancelled)
			assert.ErrorIs(t, ferr, ErrCancelled)
		}
		require.NoError(t, p.Close())
	}
}

func TestConsume(t *testing.T) {
	data := encodeJPEG(t, gradient(90, 70))
	p, err := New(testConfig(t, 16, 32))
	require.NoError(t, err)
	defer p.Close()

	ch := make(chan []byte, 4)
	go func() {
		defer close(ch)
		for off := 0; off < len(data); off += 700 {
			ch <- data[off:min(off+700, len(data))]
		}
	}()
	require.NoError(t, p.Consume(context.Background(), ch))
	assert.True(t, p.Complete())
	assert.False(t, p.Failed())
	assert.Len(t, allTiles(t, p), 30+9+4)
}

func TestConsume_ContextCancel(t *testing.T) {
	data := encodeJPEG(t, gradient(90, 70))
	p, err := New(testConfig(t, 16, 32))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan []byte)
	go func() {
		ch <- data[:500]
		cancel()
	}()
	err = p.Consume(ctx, ch)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, p.Failed())
}

func TestFailures(t *testing.T) {
	data := encodeJPEG(t, gradient(64, 128))

	t.Run("corrupt stream", func(t *testing.T) {
		p, err := New(testConfig(t, 16, 64))
		require.NoError(t, err)
		defer p.Close()
		err = p.Feed([]byte("definitely not an image"))
		assert.ErrorIs(t, err, decode.ErrCorruptStream)
		assert.True(t, p.Failed())
		assert.ErrorIs(t, p.Err(), decode.ErrCorruptStream)
	})

	t.Run("corrupt whole image", func(t *testing.T) {
		cfg := testConfig(t, 16, 64)
		cfg.Mode = decode.ModeWholeImage
		p, err := New(cfg)
		require.NoError(t, err)
		defer p.Close()
		require.NoError(t, p.Feed([]byte("not an")))
		assert.False(t, p.Failed())
		assert.ErrorIs(t, p.Feed([]byte(" image at all")), decode.ErrCorruptStream)
		assert.True(t, p.Failed())
		assert.ErrorIs(t, p.Finish(), decode.ErrCorruptStream)
	})

	t.Run("truncated", func(t *testing.T) {
		p := partial(t, testConfig(t, 16, 64), data, 0.5)
		err := p.Finish()
		assert.ErrorIs(t, err, decode.ErrTruncated)
		assert.True(t, p.Failed())
		_, err = p.Tile(0, 0, 0)
		assert.NoError(t, err)
	})

	t.Run("transport failure", func(t *testing.T) {
		p := partial(t, testConfig(t, 16, 64), data, 0.3)
		cause := fmt.Errorf("connection reset")
		assert.Equal(t, cause, p.Fail(cause))
		assert.Equal(t, cause, p.Err())
		_, err := p.Tile(0, 7, 0)
		assert.ErrorIs(t, err, ErrFailed)
	})

	t.Run("disk full", func(t *testing.T) {
		cfg := testConfig(t, 16, 64)
		m, err := resource.NewMonitor(resource.DefaultConfig(), resource.StaticSampler{Memory: 1 << 40, Disk: 10})
		require.NoError(t, err)
		cfg.Monitor = m
		p, err := New(cfg)
		require.NoError(t, err)
		defer p.Close()
		err = p.Feed(data)
		assert.ErrorIs(t, err, level.ErrDiskFull)
		var se *level.StorageError
		assert.ErrorAs(t, err, &se)
		assert.True(t, p.Failed())
	})
}

func TestFlushUnderMemoryPressure(t *testing.T) {
	cfg := testConfig(t, 16, 64)
	m, err := resource.NewMonitor(resource.DefaultConfig(), resource.StaticSampler{Memory: 1, Disk: 1 << 40})
	require.NoError(t, err)
	cfg.Monitor = m
	p := build(t, cfg, encodeJPEG(t, gradient(64, 128)), 0)
	assert.Greater(t, p.b.flushes, 0)
	assert.Zero(t, m.Unflushed())
	assert.Greater(t, m.Stats().Flushes, int64(0))
}

func TestClose_RemovesScratchFiles(t *testing.T) {
	cfg := testConfig(t, 16, 32)
	p := build(t, cfg, encodeJPEG(t, gradient(64, 64)), 0)
	files, err := filepath.Glob(filepath.Join(cfg.ScratchDir, "pyramid-"+p.ID.String()+"-L*.tiles"))
	require.NoError(t, err)
	assert.Len(t, files, p.ZoomLevelCount())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	files, err = filepath.Glob(filepath.Join(cfg.ScratchDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, files)
	_, err = p.Tile(0, 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, p.Failed())
}
