// Package cli is the command line interface of the memprog binary.
//
// Command structure:
//
//	memprog                      # root command
//	├── flash                    # program an image file
//	│   ├── --image, -i          # image file (required)
//	│   ├── --format             # ihex, cyacd or raw (default: by extension)
//	│   ├── --base               # load address of raw and .cyacd images
//	│   ├── --compress           # send segments zstd-compressed
//	│   ├── --ui                 # full-screen progress display
//	│   ├── --metrics            # serve Prometheus metrics while flashing
//	│   └── --dump               # write the device content to a file afterwards
//	├── layout                   # print the storage layout
//	├── version                  # print the version
//	└── --config, -c             # config file (default: configs/default.yaml)
//
// The flash command runs the image through the same download sequence a
// diagnostic client would use: erase, request download, transfer data,
// transfer exit and check memory for every block.
package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moffa90/go-memprog/image"
)

// Version is the memprog release.
const Version = "1.0.0"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "memprog",
		Short: "memprog: a flash programming pipeline",
		Long: `memprog programs firmware images into flash storage through a
cooperative job pipeline with:
- segment alignment and tail padding
- optional zstd-compressed transfer
- gap fill between segments
- staged verification (input, processed, pipelined, read-back)`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildFlashCommand())
	rootCmd.AddCommand(buildLayoutCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildFlashCommand() *cobra.Command {
	var opts flashOptions

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Program an image file into the configured device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("compress") {
				cfg.Transfer.Compress = opts.compress
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Enabled = opts.metrics
			}
			return runFlash(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.image, "image", "i", "", "image file to program")
	cmd.Flags().StringVar(&opts.format, "format", "", "image format: ihex, cyacd or raw")
	cmd.Flags().Uint32Var(&opts.base, "base", 0, "load address of raw and .cyacd images")
	cmd.Flags().Uint32Var(&opts.arrayRows, "array-rows", 0, "rows per flash array in .cyacd images")
	cmd.Flags().BoolVar(&opts.compress, "compress", false, "send segments zstd-compressed")
	cmd.Flags().BoolVar(&opts.ui, "ui", false, "show the full-screen progress display")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "serve Prometheus metrics while flashing")
	cmd.Flags().StringVar(&opts.dump, "dump", "", "write the device content to this file afterwards")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func buildLayoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the configured storage layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			l, err := cfg.layout()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "segment size: %d bytes\n\n", l.SegmentSize)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BLOCK\tBEGIN\tEND\tSIZE")
			for i, b := range l.Blocks {
				fmt.Fprintf(tw, "%d\t0x%08X\t0x%08X\t%d\n", i, b.Begin, b.End, b.Len())
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out, "\nregions:")
			for _, r := range l.Regions() {
				fmt.Fprintf(out, "  0x%08X-0x%08X (%d bytes)\n", r.Address, r.End(), r.Length)
			}
			return nil
		},
	}
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "memprog %s (image formats: %s, %s, %s)\n",
				Version, image.FormatIntelHex, image.FormatCyacd, image.FormatRaw)
			return err
		},
	}
}
