package pyramid

import (
	"fmt"
	"image/color"
	"log/slog"
	"os"

	"github.com/jpfielding/pyramid.go/pkg/decode"
	"github.com/jpfielding/pyramid.go/pkg/level"
	"github.com/jpfielding/pyramid.go/pkg/resource"
)

// Config controls how a pyramid is built
type Config struct {
	TileSize     int // power of two
	TargetWidth  int // the coarsest level fits inside TargetWidth x TargetHeight
	TargetHeight int
	MinLevels    int
	MaxLevels    int
	Orientation  level.Orientation // 0 = from the image metadata
	Mode         decode.Mode
	ScratchDir   string
	Background   color.RGBA // fill for tile area outside the image
	ChunkSize    int        // read size used by Build
	Logger       *slog.Logger
	Monitor      *resource.Monitor // nil = resource.Default()
}

// DefaultConfig returns the default build settings
func DefaultConfig() Config {
	return Config{
		TileSize:     256,
		TargetWidth:  1024,
		TargetHeight: 1024,
		MinLevels:    1,
		MaxLevels:    12,
		Mode:         decode.ModeIncremental,
		ScratchDir:   os.TempDir(),
		Background:   color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF},
		ChunkSize:    64 << 10,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.TileSize < 8 || c.TileSize&(c.TileSize-1) != 0 {
		return fmt.Errorf("tile size %d is not a power of two >= 8", c.TileSize)
	}
	if c.TargetWidth <= 0 || c.TargetHeight <= 0 {
		return fmt.Errorf("target size %dx%d must be positive", c.TargetWidth, c.TargetHeight)
	}
	if c.MinLevels < 1 || c.MaxLevels < c.MinLevels {
		return fmt.Errorf("level bounds [%d, %d] are invalid", c.MinLevels, c.MaxLevels)
	}
	if c.Orientation != 0 && !c.Orientation.Valid() {
		return fmt.Errorf("orientation %d is not in 0-8", int(c.Orientation))
	}
	switch c.Mode {
	case decode.ModeIncremental, decode.ModeBatch, decode.ModeWholeImage:
	default:
		return fmt.Errorf("unknown decode mode %d", int(c.Mode))
	}
	if c.ScratchDir == "" {
		return fmt.Errorf("scratch dir is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	return nil
}

// levelSize is the source-orientation size of one level
type levelSize struct {
	width, height int
}

// planLevels chooses the level sizes for a width x height source. Levels
// halve (rounding up) until the displayed size fits the target.
func planLevels(width, height int, o level.Orientation, c Config) []levelSize {
	sizes := []levelSize{{width, height}}
	w, h := width, height
	fits := func(w, h int) bool {
		dw, dh := o.DisplaySize(w, h)
		return dw <= c.TargetWidth && dh <= c.TargetHeight
	}
	for len(sizes) < c.MaxLevels && (len(sizes) < c.MinLevels || !fits(w, h)) {
		w, h = (w+1)/2, (h+1)/2
		sizes = append(sizes, levelSize{w, h})
	}
	return sizes
}
