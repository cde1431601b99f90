package cmd

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"

	"github.com/jpfielding/pyramid.go/pkg/logging"
	"github.com/jpfielding/pyramid.go/pkg/pyramid"
	"github.com/spf13/cobra"
)

// NewTileCmd writes one tile of a pyramid as a PNG
func NewTileCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tile",
		Short: "write one tile as PNG",
		Long:  "Builds the pyramid for a source and writes tile (level, row, col) in display orientation as a PNG.",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := sourceURI(cmd, args)
			if uri == "" {
				return fmt.Errorf("source is required. Use --uri flag or provide as argument")
			}
			lvl, _ := cmd.Flags().GetInt("level")
			row, _ := cmd.Flags().GetInt("row")
			col, _ := cmd.Flags().GetInt("col")
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = fmt.Sprintf("tile-%d-%d-%d.png", lvl, row, col)
			}
			ctx := logging.AppendCtx(ctx, slog.String("source", uri))

			p, err := buildPyramid(ctx, cmd, uri)
			if p != nil {
				defer p.Close()
			}
			if err != nil {
				return err
			}
			if lvl < 0 {
				lvl = p.ZoomLevelCount() - 1
			}
			img, err := pyramid.NewReader(p).TileImage(lvl, row, col)
			if err != nil {
				return fmt.Errorf("tile %d/%d/%d: %w", lvl, row, col, err)
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			defer f.Close()
			if err := png.Encode(f, img); err != nil {
				return fmt.Errorf("failed to encode tile: %w", err)
			}
			slog.InfoContext(ctx, "Tile written",
				slog.Int("level", lvl), slog.Int("row", row), slog.Int("col", col),
				slog.String("path", out))
			return f.Close()
		},
	}
	addPyramidFlags(cmd)
	pf := cmd.PersistentFlags()
	pf.Int("level", 0, "zoom level, -1 for the coarsest")
	pf.Int("row", 0, "tile row")
	pf.Int("col", 0, "tile column")
	pf.StringP("out", "o", "", "output PNG path")
	return cmd
}
