// Package cli wires the reconciler commands.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/propledger/reconciler/internal/config"
)

const version = "0.4.0"

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Forensic reconciliation and exception tiering for property financials",
	Long: `reconciler matches line items across balance sheets, income statements,
cash flow statements, mortgage statements and rent rolls for one property
and period, tiers every difference by materiality and confidence, and
scores the period's financial health for each reviewer persona.

Configuration hierarchy (highest to lowest priority):
  1. CLI flags
  2. Environment variables (RECON_*, plus PORT and DB_PATH)
  3. Config file (--config, or ./reconciler.yaml)
  4. Defaults`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = config.NewLogger(cfg.Log)
		if f := v.ConfigFileUsed(); f != "" {
			logger.WithField("file", f).Debug("config loaded")
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "reconciler v%s\n", version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./reconciler.yaml)")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("database.path", flags.Lookup("db"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(versionCmd, serveCmd, ingestCmd, seedCmd, reconcileCmd, configCmd)
}
