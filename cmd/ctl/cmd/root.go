package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jpfielding/pyramid.go/pkg/logging"
	"github.com/jpfielding/pyramid.go/pkg/resource"
	"github.com/spf13/cobra"
)

func NewRoot(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pyramidctl",
		Short: "a CLI to build and inspect tile pyramids",
		Long:  "pyramidctl decodes large images into multi-resolution tile pyramids, from local files or while they download",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")
			logJSON, _ := cmd.Flags().GetBool("log-json")
			flushFraction, _ := cmd.Flags().GetFloat64("flush-fraction")
			scratch, _ := cmd.Flags().GetString("scratch")

			// Parse log level
			var level slog.Level
			levelErr := level.UnmarshalText([]byte(strings.ToUpper(logLevel)))
			if levelErr != nil {
				level = slog.LevelInfo
			}
			var out io.Writer = os.Stdout
			if logFile != "" {
				out = logging.RotatingFile(logFile, 0, 3, 7)
			}
			slog.SetDefault(logging.Logger(out, logJSON, level))
			if levelErr != nil {
				slog.WarnContext(ctx, "Invalid log level, defaulting to INFO", "level", logLevel, "error", levelErr)
			}

			rc := resource.DefaultConfig()
			rc.FlushFraction = flushFraction
			if scratch != "" {
				rc.ScratchDir = scratch
			}
			if _, err := resource.Init(rc, nil); err != nil {
				return fmt.Errorf("resource monitor: %w", err)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			printCommandTree(cmd, 0)
		},
	}
	cmd.AddCommand(
		NewVersionCmd(ctx, gitsha),
		NewBuildCmd(ctx),
		NewTileCmd(ctx),
		NewInspectCmd(ctx),
	)
	pf := cmd.PersistentFlags()
	pf.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("log-file", "", "write logs to this file, rotated by size")
	pf.Bool("log-json", false, "log as json")
	pf.Float64("flush-fraction", resource.DefaultFlushFraction, "flush once unflushed writes exceed this share of free memory")
	pf.String("scratch", os.TempDir(), "directory for the level scratch files")
	return cmd
}

func printCommandTree(cmd *cobra.Command, indent int) {
	fmt.Println(strings.Repeat("\t", indent), cmd.Use+":", cmd.Short)
	for _, subCmd := range cmd.Commands() {
		printCommandTree(subCmd, indent+1)
	}
}

func NewVersionCmd(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "git sha for this build",
		Long:  "git sha for this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(gitsha)
		},
	}
	return cmd
}
