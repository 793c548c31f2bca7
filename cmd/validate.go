package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dcamera/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply defaults and environment overrides, and
report whether it is valid without starting any pipeline.

Examples:
  dcamera validate -c dcamera.yml
  DCAMERA_LOOPBACK_CODEC=h265 dcamera validate -c dcamera.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "VALID: loopback %s, compression %s, %d event bus partition(s)\n",
		cfg.Loopback.StreamParams(),
		cfg.Codec.Compression,
		cfg.EventBus.Partitions,
	)
	return nil
}
