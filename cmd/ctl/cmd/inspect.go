package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/jpfielding/pyramid.go/pkg/decode"
	"github.com/spf13/cobra"
)

// NewInspectCmd creates the inspect cobra command
func NewInspectCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect an encoded image stream",
		Long:  "Feeds a local image through the decoder in chunks and reports where the header became known, its properties and, with --decode, how rows were produced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath, _ := cmd.Flags().GetString("file")
			if filePath == "" && len(args) > 0 {
				filePath = args[0]
			}
			if filePath == "" {
				return fmt.Errorf("file path is required. Use --file flag or provide as argument")
			}
			chunk, _ := cmd.Flags().GetInt("chunk-size")
			full, _ := cmd.Flags().GetBool("decode")
			mode, _ := cmd.Flags().GetString("mode")
			m, err := decode.ParseMode(mode)
			if err != nil {
				return err
			}
			return runInspect(ctx, filePath, m, chunk, full)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("file", "f", "", "image file path to inspect")
	pf.Int("chunk-size", 4096, "bytes per Feed call")
	pf.Bool("decode", false, "decode every row and report run statistics")
	pf.String("mode", decode.ModeIncremental.String(), "decoder (incremental|batch|whole)")
	return cmd
}

// runInspect drives a decoder over the file the way a download would
func runInspect(ctx context.Context, filePath string, mode decode.Mode, chunk int, full bool) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	if chunk <= 0 {
		chunk = 4096
	}

	d := decode.New(mode)
	buf := make([]byte, chunk)
	var fed int64
	headerAt := int64(-1)
	var runs, rows, maxRun, firstRowAt int
	firstRowAt = -1
	maxBuffered := 0
	drain := func() error {
		for full {
			run, err := d.Scanlines()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if run.Rows == 0 {
				return nil
			}
			if firstRowAt < 0 {
				firstRowAt = int(fed)
			}
			runs++
			rows += run.Rows
			maxRun = max(maxRun, run.Rows)
		}
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := d.Feed(buf[:n]); err != nil {
				return fmt.Errorf("decode error after %d bytes: %w", fed, err)
			}
			fed += int64(n)
			if _, ok := d.Header(); ok && headerAt < 0 {
				headerAt = fed
			}
			if err := drain(); err != nil {
				return fmt.Errorf("decode error after %d bytes: %w", fed, err)
			}
			if j, ok := d.(*decode.JPEG); ok {
				maxBuffered = max(maxBuffered, j.Buffered())
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := d.Finish(); err != nil {
		return fmt.Errorf("decode error at end of stream: %w", err)
	}
	if err := drain(); err != nil {
		return fmt.Errorf("decode error at end of stream: %w", err)
	}

	fmt.Printf("Stream: %d bytes, decoder %s\n", fed, d.Mode())
	fmt.Printf("Header known after %d bytes\n\n", headerAt)
	fmt.Println("=== Properties ===")
	props := d.Properties()
	for _, k := range slices.Sorted(maps.Keys(props)) {
		fmt.Printf("  %-12s %v\n", k, props[k])
	}
	if full {
		fmt.Println("\n=== Rows ===")
		fmt.Printf("  rows %d in %d runs (largest %d)\n", rows, runs, maxRun)
		fmt.Printf("  first row after %d bytes\n", firstRowAt)
		if j, ok := d.(*decode.JPEG); ok {
			fmt.Printf("  consumed %d, released %d, peak buffered %d\n", j.Consumed(), j.Released(), maxBuffered)
		}
	}
	return nil
}
