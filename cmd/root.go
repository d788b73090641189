package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
)

var (
	cfg     *config.Config
	log     *logger.Logger
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "chimera",
	Short: "Automated bug bounty hunt pipeline",
	Long: `Chimera runs one hunt cycle against a bug bounty program:

  1. Resolve scope: log in to the platform and pull the in-scope assets
  2. Scan: run the selected checks across the first N assets, bounded and rate limited
  3. Submit: file every new finding once, retrying transient platform failures

Every submission attempt is written to the audit log, and the mission result
(scope size, findings, per-finding submission state, failures) is printed at the end.

COMMANDS:
  chimera hunt <program>                 - Run a hunt cycle
  chimera credentials set <platform>     - Store platform API credentials (encrypted)
  chimera config show                    - Print the effective configuration
  chimera version                        - Print version information`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}

		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Flush()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON logs to this rotating file")
	_ = viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("logger.log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}
