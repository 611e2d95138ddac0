package commands

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"repofs/internal/daemon"
	"repofs/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Long: `Loads ~/.repofs/settings.yaml, opens the repository and serves every
configured share over SMB until interrupted.

Examples:
  # Serve with the saved settings
  repofs serve

  # Override the listen address and log to the daemon log at debug level
  repofs serve --listen 0.0.0.0:445 --logging debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the repofs daemon in the background.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the repofs daemon in the background.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running repofs daemon, forcing it down if it does not exit in time.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var serveListen string
var serveLogLevel string
var daemonRestart bool
var daemonStopTimeout time.Duration

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "SMB listen address (overrides settings)")
	serveCmd.Flags().StringVar(&serveLogLevel, "logging", "", "Log level: trace, debug, info, warn, none (overrides settings)")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running")
	daemonStopCmd.Flags().DurationVar(&daemonStopTimeout, "timeout", 10*time.Second, "Time to wait before killing the daemon")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if serveListen != "" {
		settings.Listen = serveListen
	}
	if serveLogLevel != "" {
		settings.LogLevel = serveLogLevel
	}
	if err := daemon.Validate(settings); err != nil {
		return err
	}

	return daemon.New(settings).Run(cmd.Context())
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		if !daemonRestart {
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
		fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemon(cmd.Context(), pid); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	// Fail here rather than in a detached process nobody watches
	if _, err := daemon.LoadSettings(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	fmt.Fprint(os.Stderr, "Starting daemon...")
	cfg := util.PollConfig{Timeout: 10 * time.Second, Interval: 25 * time.Millisecond}
	proc, err := util.StartDetached(cmd.Context(), []string{"serve"}, cfg, daemon.IsDaemonRunning)
	if err != nil {
		fmt.Fprintln(os.Stderr, " failed")
		return fmt.Errorf("daemon did not start: %w (see %s)", err, daemon.LogPath())
	}
	fmt.Fprintln(os.Stderr, " done")
	fmt.Printf("Daemon started (PID %d)\n", proc.Pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		return nil
	}
	pid, err := daemon.GetPID()
	if err != nil {
		return err
	}
	if err := stopDaemon(cmd.Context(), pid); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemon asks the daemon to exit with SIGTERM and waits for it.
func stopDaemon(ctx context.Context, pid int) error {
	cfg := util.ProcessConfig{GracefulTimeout: daemonStopTimeout, PollInterval: 25 * time.Millisecond}
	terminate := func() error {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return proc.Signal(syscall.SIGTERM)
	}
	return util.StopProcess(ctx, pid, cfg, terminate, daemon.IsDaemonRunning)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		fmt.Printf("Daemon: running (PID %d)\n", pid)
	} else {
		fmt.Println("Daemon: not running")
	}
	fmt.Printf("Listen: %s\n", settings.Listen)
	if settings.MetricsListen != "" {
		fmt.Printf("Metrics: http://%s/metrics\n", settings.MetricsListen)
	}
	fmt.Printf("Store: %s\n", settings.StorePath())
	fmt.Printf("Shares: %d\n", len(settings.Shares))
	fmt.Printf("Log level: %s\n", displayLevel(settings.LogLevel))
	return nil
}

func displayLevel(level string) string {
	if level == "" || level == "off" {
		return "none"
	}
	return level
}
