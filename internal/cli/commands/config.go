package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"repofs/internal/daemon"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change daemon settings",
	Long: `Show or change persistent daemon settings.

Settings are stored in ~/.repofs/settings.yaml and take effect on next daemon start.

Examples:
  # Show current configuration
  repofs config

  # Enable debug logging
  repofs config --logging debug

  # Listen on all interfaces and expose Prometheus metrics
  repofs config --listen 0.0.0.0:445 --metrics 127.0.0.1:9445

  # Limit every user to 5 GiB
  repofs config --quota "5 GiB"`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var (
	configLogLevel string
	configListen   string
	configMetrics  string
	configQuota    string
)

func init() {
	configCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	configCmd.Flags().StringVar(&configListen, "listen", "", "SMB listen address")
	configCmd.Flags().StringVar(&configMetrics, "metrics", "", `Prometheus listen address ("off" to disable)`)
	configCmd.Flags().StringVar(&configQuota, "quota", "", `Per-user quota such as "500 MiB" ("off" to disable)`)
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if configLogLevel == "" && configListen == "" && configMetrics == "" && configQuota == "" {
		printSettings(settings)
		return nil
	}

	if configLogLevel != "" {
		settings.LogLevel = configLogLevel
	}
	if configListen != "" {
		settings.Listen = configListen
	}
	switch configMetrics {
	case "":
	case "off":
		settings.MetricsListen = ""
	default:
		settings.MetricsListen = configMetrics
	}
	switch configQuota {
	case "":
	case "off":
		settings.Quota.Enabled = false
	default:
		limit, err := humanize.ParseBytes(configQuota)
		if err != nil {
			return fmt.Errorf("invalid --quota value %q: %w", configQuota, err)
		}
		settings.Quota.Enabled = true
		settings.Quota.DefaultLimit = int64(limit)
	}

	settings.ApplyDefaults()
	if err := daemon.Validate(settings); err != nil {
		return err
	}
	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Settings saved to %s\n", daemon.SettingsPath())
	if daemon.IsDaemonRunning() {
		fmt.Println("Restart the daemon for the changes to take effect:")
		fmt.Println("  repofs daemon start --restart")
	}
	return nil
}

func printSettings(s *daemon.Settings) {
	fmt.Println("Current daemon configuration:")
	fmt.Printf("  Log level: %s\n", displayLevel(s.LogLevel))
	fmt.Printf("  Listen: %s\n", s.Listen)
	metrics := "off"
	if s.MetricsListen != "" {
		metrics = s.MetricsListen
	}
	fmt.Printf("  Metrics: %s\n", metrics)
	fmt.Printf("  Store: %s\n", s.StorePath())
	fmt.Printf("  Cache: %d entries, ttl %s\n", s.Cache.MaxEntries, s.Cache.TTL)
	fmt.Printf("  Monitor: %v\n", s.Monitor.Enabled)
	fmt.Printf("  Quota: %s\n", quotaString(s.Quota))
	fmt.Printf("  Transactions: %d attempts, %s..%s backoff\n",
		s.Transaction.Attempts, s.Transaction.Delay, s.Transaction.MaxDelay)
	fmt.Printf("  Shares: %d (see: repofs share list)\n", len(s.Shares))
}

func quotaString(q daemon.QuotaSettings) string {
	switch {
	case !q.Enabled:
		return "off"
	case q.DefaultLimit == 0:
		return "tracking only"
	default:
		return humanize.IBytes(uint64(q.DefaultLimit)) + " per user"
	}
}
