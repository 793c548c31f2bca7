package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dcamera/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and DCAMERA_* environment overrides
are applied, as YAML under the dcamera: root key.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfigDump(configFile, os.Stdout); err != nil {
			exitWithError("failed to print config", err)
		}
	},
}

func runConfigDump(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]*config.GlobalConfig{"dcamera": cfg}); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
