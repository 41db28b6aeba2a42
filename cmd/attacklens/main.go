// attacklens analyzes documents against the MITRE ATT&CK catalog and produces
// persisted reports of the techniques they describe.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"attacklens/internal/config"
	"attacklens/internal/logging"
)

var (
	// Global flags.
	cfgPath  string
	logLevel string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "attacklens",
	Short: "Analyze documents against the MITRE ATT&CK catalog",
	Long: `attacklens ingests documents by URL or file, matches their text against
the MITRE ATT&CK technique catalog using keyword, TF-IDF and fuzzy signals,
and produces persisted reports with confidence scores and tactic breakdowns.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.File); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the attacklens version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, analyzeCmd, catalogCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "attacklens:", err)
		os.Exit(1)
	}
}
