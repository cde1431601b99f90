package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jpfielding/pyramid.go/pkg/archive"
	"github.com/jpfielding/pyramid.go/pkg/decode"
	"github.com/jpfielding/pyramid.go/pkg/fetch"
	"github.com/jpfielding/pyramid.go/pkg/level"
	"github.com/jpfielding/pyramid.go/pkg/logging"
	"github.com/jpfielding/pyramid.go/pkg/pyramid"
	"github.com/spf13/cobra"
)

// NewBuildCmd builds a pyramid and reports its levels and timing
func NewBuildCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "build a tile pyramid",
		Long:  "Builds a tile pyramid from a file, stdin (-) or an http(s) URL and prints the level grid and timing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := sourceURI(cmd, args)
			if uri == "" {
				return fmt.Errorf("source is required. Use --uri flag or provide as argument")
			}
			ctx := logging.AppendCtx(ctx, slog.String("source", uri))
			p, err := buildPyramid(ctx, cmd, uri)
			if p != nil {
				defer p.Close()
			}
			if err != nil {
				return err
			}
			printPyramid(p)

			if out, _ := cmd.Flags().GetString("export"); out != "" {
				if err := exportPyramid(ctx, p, out); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addPyramidFlags(cmd)
	cmd.PersistentFlags().String("export", "", "write every tile to this zstd archive")
	return cmd
}

func addPyramidFlags(cmd *cobra.Command) {
	def := pyramid.DefaultConfig()
	pf := cmd.PersistentFlags()
	pf.StringP("uri", "u", "", "image path, - for stdin, or http(s) URL")
	pf.Int("tile-size", def.TileSize, "tile edge in pixels (power of two)")
	pf.Int("target", def.TargetWidth, "the coarsest level fits in a target x target box")
	pf.Int("min-levels", def.MinLevels, "minimum number of levels")
	pf.Int("max-levels", def.MaxLevels, "maximum number of levels")
	pf.Int("orientation", 0, "EXIF orientation 1-8, 0 reads it from the image")
	pf.String("mode", def.Mode.String(), "decoder (incremental|batch|whole)")
	pf.Int("chunk-size", def.ChunkSize, "read size for streamed input")
	pf.Duration("timeout", 30*time.Second, "http read/write timeout")
}

func sourceURI(cmd *cobra.Command, args []string) string {
	uri, _ := cmd.Flags().GetString("uri")
	if uri == "" && len(args) > 0 {
		uri = args[0]
	}
	return strings.TrimPrefix(uri, "file://")
}

func pyramidConfig(cmd *cobra.Command) (pyramid.Config, error) {
	cfg := pyramid.DefaultConfig()
	f := cmd.Flags()
	cfg.TileSize, _ = f.GetInt("tile-size")
	cfg.TargetWidth, _ = f.GetInt("target")
	cfg.TargetHeight = cfg.TargetWidth
	cfg.MinLevels, _ = f.GetInt("min-levels")
	cfg.MaxLevels, _ = f.GetInt("max-levels")
	cfg.ChunkSize, _ = f.GetInt("chunk-size")
	o, _ := f.GetInt("orientation")
	cfg.Orientation = level.Orientation(o)
	if scratch, _ := f.GetString("scratch"); scratch != "" {
		cfg.ScratchDir = scratch
	}
	mode, _ := f.GetString("mode")
	m, err := decode.ParseMode(mode)
	if err != nil {
		return cfg, err
	}
	cfg.Mode = m
	cfg.Logger = slog.Default()
	return cfg, cfg.Validate()
}

// buildPyramid builds from uri. The pyramid is returned whenever it was
// created so the caller can close it.
func buildPyramid(ctx context.Context, cmd *cobra.Command, uri string) (*pyramid.Pyramid, error) {
	cfg, err := pyramidConfig(cmd)
	if err != nil {
		return nil, err
	}
	switch {
	case uri == "-":
		return pyramid.Build(ctx, os.Stdin, cfg)
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		p, err := pyramid.New(cfg)
		if err != nil {
			return nil, err
		}
		fc := fetch.DefaultConfig()
		fc.ReadTimeout, _ = cmd.Flags().GetDuration("timeout")
		fc.WriteTimeout = fc.ReadTimeout
		fc.ChunkSize = cfg.ChunkSize
		last := time.Now()
		err = fetch.New(fc, nil).Fetch(ctx, uri, p, func(pr fetch.Progress) {
			if time.Since(last) < time.Second {
				return
			}
			last = time.Now()
			slog.InfoContext(ctx, "Downloading",
				slog.Int64("received", pr.Received),
				slog.Int64("total", pr.Total))
		})
		return p, err
	default:
		return pyramid.BuildFile(ctx, uri, cfg)
	}
}

func printPyramid(p *pyramid.Pyramid) {
	w, h := p.ImageSize()
	fmt.Printf("Image: %dx%d, orientation %s, %d levels, tile %d\n",
		w, h, p.Orientation(), p.ZoomLevelCount(), p.TileSize())
	for k := 0; k < p.ZoomLevelCount(); k++ {
		lw, lh, _ := p.LevelSize(k)
		rows, cols, _ := p.GridSize(k)
		fmt.Printf("  level %2d: %6dx%-6d %4d x %-4d tiles\n", k, lw, lh, cols, rows)
	}
	fmt.Printf("Built in %s\n", p.Elapsed().Round(time.Millisecond))
}

func exportPyramid(ctx context.Context, p *pyramid.Pyramid, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()
	st, err := archive.Export(ctx, f, p, func(err error) bool {
		return errors.Is(err, pyramid.ErrNotReady) || errors.Is(err, pyramid.ErrFailed)
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Exported %d tiles (%d uniform, %d skipped) to %s\n", st.Tiles, st.Uniform, st.Skipped, path)
	return nil
}
