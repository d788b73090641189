package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/checks"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/credentials"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ledger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/mission"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/progress"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/scope"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/session"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/platforms/bugcrowd"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/platforms/hackerone"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

var errMissionFailed = errors.New("mission aborted")

var huntCmd = &cobra.Command{
	Use:   "hunt <program>",
	Short: "Run one hunt cycle against a bug bounty program",
	Long: `Resolve the program's scope, scan the first --target-limit assets with the
selected checks, and submit every new finding to the platform.

Credentials are read from CHIMERA_<PLATFORM>_USERNAME / CHIMERA_<PLATFORM>_TOKEN,
then from the config file, then from the encrypted credentials store.

Examples:
  chimera hunt acme
  chimera hunt acme --platform bugcrowd --checks xss,sqli
  chimera hunt acme --ledger postgres --format yaml --output result.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runHunt,
}

func init() {
	rootCmd.AddCommand(huntCmd)

	huntCmd.Flags().StringSlice("checks", nil, "checks to run (default xss,sqli,exposed-interface)")
	huntCmd.Flags().String("platform", "", "bounty platform (hackerone, bugcrowd)")
	huntCmd.Flags().Int("target-limit", 0, "scan at most this many assets (0 = all)")
	huntCmd.Flags().String("min-severity", "", "lowest severity that is submitted")
	huntCmd.Flags().String("ledger", "", "submission ledger backend (memory, postgres, redis)")
	huntCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	huntCmd.Flags().StringP("format", "f", "json", "result format (json, yaml)")
	huntCmd.Flags().StringP("output", "o", "", "write the result to this file instead of stdout")
	huntCmd.Flags().Bool("no-progress", false, "do not render stage progress on stderr")

	_ = viper.BindPFlag("mission.checks", huntCmd.Flags().Lookup("checks"))
	_ = viper.BindPFlag("mission.platform", huntCmd.Flags().Lookup("platform"))
	_ = viper.BindPFlag("mission.target_limit", huntCmd.Flags().Lookup("target-limit"))
	_ = viper.BindPFlag("mission.min_severity", huntCmd.Flags().Lookup("min-severity"))
	_ = viper.BindPFlag("ledger.backend", huntCmd.Flags().Lookup("ledger"))
	_ = viper.BindPFlag("metrics.addr", huntCmd.Flags().Lookup("metrics-addr"))
}

// platformClient is a platform adapter acting as both session and submission target.
type platformClient interface {
	core.Session
	core.Platform
}

func runHunt(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unsupported format %q (json, yaml)", format)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Mission.Platform == "" {
		cfg.Mission.Platform = hackerone.Name
	}
	program := types.Program(args[0])
	log := log.WithFields("program", program, "platform", cfg.Mission.Platform)

	creds, err := secretSource(cfg).Credentials(cfg.Mission.Platform)
	if err != nil {
		return fmt.Errorf("no credentials for %s: %w (run 'chimera credentials set %s' or set %s_TOKEN)",
			cfg.Mission.Platform, err, cfg.Mission.Platform, credentials.EnvName(cfg.Mission.Platform))
	}

	client, err := newPlatformClient(cfg, program)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Close()

	collector := metrics.NewCollector()
	if addr := cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := collector.Serve(ctx, addr); err != nil {
				log.Warnw("Metrics endpoint stopped", "addr", addr, "error", err)
			}
		}()
		log.Infow("Serving metrics", "addr", addr)
	}

	led, err := ledger.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open %s ledger: %w", cfg.Ledger.Backend, err)
	}
	defer led.Close()

	registry := orchestrator.NewRegistry()
	if err := checks.Register(registry, cfg.Checks, log); err != nil {
		return fmt.Errorf("failed to register checks: %w", err)
	}

	var tracker *progress.Tracker
	if !noProgress {
		tracker = progress.ForMission(os.Stderr)
	}

	guard := session.NewGuard(client)
	runner := mission.NewRunner(
		scope.NewResolver(guard, creds, log),
		registry,
		client,
		log,
		mission.WithSessionGuard(guard),
		mission.WithLedger(led),
		mission.WithTelemetry(telemetry.Multi(tel, collector)),
		mission.WithProgress(tracker),
		mission.WithCheckLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.ChecksPerSecond,
			BurstSize:         cfg.RateLimit.ChecksBurst,
			MinDelay:          cfg.RateLimit.HostMinDelay,
		})),
		mission.WithSubmissionLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.SubmissionsPerSecond,
			BurstSize:         cfg.RateLimit.SubmissionsBurst,
		})),
	)

	result := runner.RunMission(ctx, program, cfg.Mission)

	printSummary(os.Stderr, &result)
	if err := writeResult(result, format, output); err != nil {
		return err
	}
	if result.Fatal() {
		return errMissionFailed
	}
	return nil
}

func newPlatformClient(cfg *config.Config, program types.Program) (platformClient, error) {
	switch cfg.Mission.Platform {
	case hackerone.Name:
		return hackerone.NewClient(cfg.Platforms.HackerOne, program, log), nil
	case bugcrowd.Name:
		return bugcrowd.NewClient(cfg.Platforms.Bugcrowd, program, log), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Mission.Platform)
	}
}
