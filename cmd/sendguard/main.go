package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/campaignforge/sendguard/internal/alert"
	"github.com/campaignforge/sendguard/internal/api"
	"github.com/campaignforge/sendguard/internal/config"
	"github.com/campaignforge/sendguard/internal/policy"
	"github.com/campaignforge/sendguard/internal/quota"
	"github.com/campaignforge/sendguard/internal/ratelimit"
	"github.com/campaignforge/sendguard/internal/store"
	"github.com/campaignforge/sendguard/internal/verify"
	"github.com/campaignforge/sendguard/internal/warmup"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sendguard",
		Short: "Sendguard - outbound email send-governance engine",
		Long: `Sendguard decides whether a campaign message may go out right now:
it verifies recipient mailboxes, enforces provider rate limits and warmup
schedules, tracks plan quotas, and trips a circuit breaker on bounce spikes.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the governance API server",
	RunE:  runServer,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [address...]",
	Short: "Verify one or more recipient addresses",
	Long:  "Run the verification protocol (MX lookup plus SMTP handshake probe) against the given addresses and print the results as JSON.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sendguard %s\n", cmd.Root().Version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")

	verifyCmd.Flags().Duration("delay", 0, "delay between probes in a batch")
	verifyCmd.Flags().Duration("timeout", 2*time.Minute, "overall verification deadline")

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration valid (store: %s, listen: %s)\n", cfg.Store.Type, cfg.Server.Listen)
			return nil
		},
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	counters, err := store.Factory(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create counter store: %w", err)
	}
	if err := counters.Connect(); err != nil {
		return fmt.Errorf("failed to connect counter store: %w", err)
	}
	defer counters.Close()

	accounts := store.NewMemoryAccounts()
	tiers := cfg.TierSource()
	ledger := quota.New(counters, tiers)
	scheduler := warmup.New(cfg.Warmup, accounts)
	limiter := ratelimit.New(accounts)
	tracker := policy.NewTracker(counters)
	enforcer := policy.New(cfg.Policy, policy.Deps{
		Quota:     ledger,
		Warmup:    scheduler,
		RateLimit: limiter,
		Accounts:  accounts,
		Counters:  counters,
		Tiers:     tiers,
		Bounces:   tracker,
		Alerts:    alert.NewLogSink(),
	})

	server := api.NewServer(cfg.Server.Listen, api.Deps{
		Enforcer:  enforcer,
		Verifier:  verify.New(cfg.Verify),
		Limiter:   limiter,
		Scheduler: scheduler,
		Ledger:    ledger,
		Tracker:   tracker,
		Counters:  counters,
	})

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("sendguard started", "listen", cfg.Server.Listen, "store", counters.Type())

	select {
	case err := <-serverErrors:
		return err
	case sig := <-signalChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.SetDefault(cfg.NewLogger())

	timeout, _ := cmd.Flags().GetDuration("timeout")
	delay, _ := cmd.Flags().GetDuration("delay")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	verifier := verify.New(cfg.Verify)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if len(args) == 1 {
		return enc.Encode(verifier.Verify(ctx, args[0]))
	}
	return enc.Encode(verifier.VerifyBatch(ctx, args, delay))
}
