// Package daemon runs the repofs server: it opens the repository, starts a
// driver and node monitor per share and exports the shares over SMB.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"repofs/internal/cache"
	"repofs/internal/driver"
	"repofs/internal/filestate"
	"repofs/internal/metrics"
	"repofs/internal/monitor"
	"repofs/internal/notify"
	"repofs/internal/quota"
	"repofs/internal/rules"
	"repofs/internal/storage"
	"repofs/internal/util"
	sharefs "repofs/internal/vfs"
)

// SystemOwner owns the folders the daemon creates for share roots.
const SystemOwner = "system"

func init() {
	// Default logging to discard until explicitly enabled via settings
	log.SetOutput(io.Discard)
}

// Share is one exported share and the services behind it.
type Share struct {
	Settings ShareSettings
	Driver   *driver.Driver
	Monitor  *monitor.Monitor // nil when monitoring is disabled
	FS       *sharefs.ShareFS
}

// Daemon serves the configured shares.
type Daemon struct {
	settings *Settings
	lock     *flock.Flock
	logFile  *os.File

	store  *storage.Store
	quota  *quota.Manager
	hub    *notify.Hub
	shares []*Share

	server   *SMBServer
	metrics  *http.Server
	stopping atomic.Bool
}

// New creates a daemon for settings.
func New(settings *Settings) *Daemon {
	return &Daemon{settings: settings, hub: notify.NewHub()}
}

// Shares returns the opened shares.
func (d *Daemon) Shares() []*Share {
	return d.shares
}

// Share returns the opened share called name, matched case-insensitively.
func (d *Daemon) Share(name string) (*Share, bool) {
	for _, s := range d.shares {
		if strings.EqualFold(s.Settings.Name, name) {
			return s, true
		}
	}
	return nil, false
}

// Hub returns the change-notification hub.
func (d *Daemon) Hub() *notify.Hub {
	return d.hub
}

// Run starts the daemon and blocks until ctx is done or a signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	if d.logFile != nil {
		defer d.logFile.Close()
	}

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	log.Infof("[Daemon] started (PID %d)", os.Getpid())

	if err := d.Open(ctx); err != nil {
		return err
	}

	var reg *prometheus.Registry
	if d.settings.MetricsListen != "" {
		reg = prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return errors.Join(fmt.Errorf("register metrics: %w", err), d.Close())
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	exports := make(map[string]*sharefs.ShareFS, len(d.shares))
	for _, s := range d.shares {
		exports[s.Settings.Name] = s.FS
	}
	d.server = NewSMBServer(exports)
	g.Go(func() error {
		log.Infof("[Daemon] serving %d shares on %s", len(exports), d.settings.Listen)
		if err := d.server.Serve(d.settings.Listen); err != nil && !d.stopping.Load() {
			return fmt.Errorf("smb server: %w", err)
		}
		return nil
	})

	if reg != nil {
		addr := d.settings.MetricsListen
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		d.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Infof("[Daemon] metrics on %s", addr)
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	events, unsubscribe := d.hub.Subscribe(256)
	g.Go(func() error {
		logNotifications(gctx, events)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Infof("[Daemon] shutting down")
		unsubscribe()
		return d.Close()
	})

	err = g.Wait()
	log.Infof("[Daemon] stopped")
	return err
}

func logNotifications(ctx context.Context, events <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.OldPath != "" {
				log.Debugf("[Daemon] %s: %s %s -> %s", ev.Share, ev.Action, ev.OldPath, ev.Path)
			} else {
				log.Debugf("[Daemon] %s: %s %s", ev.Share, ev.Action, ev.Path)
			}
		}
	}
}

// Open opens the repository and prepares every share without serving them.
func (d *Daemon) Open(ctx context.Context) error {
	s := d.settings
	store, err := storage.OpenOrCreate(s.StorePath(), storage.Options{
		BusyTimeout: s.BusyTimeout,
		Retry:       s.Transaction.Retry(),
	})
	if err != nil {
		return fmt.Errorf("open store %s: %w", s.StorePath(), err)
	}
	d.store = store

	if s.Quota.Enabled {
		d.quota = quota.New(quota.Options{
			Limit:             s.Quota.DefaultLimit,
			InactivityTimeout: s.Quota.InactivityTimeout,
			SweepInterval:     s.Quota.SweepInterval,
			Loader:            d.usageOf,
		})
		d.quota.Start()
		limit := "unlimited"
		if s.Quota.DefaultLimit > 0 {
			limit = humanize.IBytes(uint64(s.Quota.DefaultLimit))
		}
		log.Infof("[Daemon] quota enabled, %s per user", limit)
	}

	for _, cfg := range s.Shares {
		share, err := d.openShare(ctx, cfg)
		if err != nil {
			return errors.Join(err, d.Close())
		}
		d.shares = append(d.shares, share)
	}
	return nil
}

func (d *Daemon) usageOf(user string) (int64, error) {
	var used int64
	err := d.store.RunInTransaction(context.Background(), true, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		used, err = tx.UsageOf(ctx, user)
		return err
	})
	return used, err
}

func (d *Daemon) openShare(ctx context.Context, cfg ShareSettings) (*Share, error) {
	var root *storage.Node
	err := d.store.RunInTransaction(ctx, false, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		root, err = tx.EnsureFolderPath(ctx, storage.RootRef, cfg.Root, SystemOwner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("share %s: root %s: %w", cfg.Name, cfg.Root, err)
	}

	mc := cache.NewMetadataCache(d.settings.Cache.TTL, d.settings.Cache.MaxEntries)
	files := filestate.NewTable()
	drv := driver.New(driver.Options{
		Share:     cfg.Name,
		Root:      root.Ref,
		ReadOnly:  cfg.ReadOnly,
		Store:     d.store,
		Cache:     mc,
		Files:     files,
		Evaluator: rules.New(rules.Options{TempPatterns: cfg.TempPatterns, Window: cfg.ShuffleWindow}),
		Quota:     d.quota,
	})

	share := &Share{Settings: cfg, Driver: drv}
	if d.settings.Monitor.Enabled {
		share.Monitor = monitor.New(monitor.Options{
			Share:     cfg.Name,
			Root:      root.Ref,
			Store:     d.store,
			Cache:     mc,
			Files:     files,
			Sink:      d.hub,
			Notify:    cfg.Notify,
			QueueWarn: d.settings.Monitor.QueueWarn,
		})
		share.Monitor.Start()
	}
	share.FS = sharefs.New(drv, sharefs.GuestUser)

	log.Infof("[Daemon] share %s -> %s (read-only %v)", cfg.Name, cfg.Root, cfg.ReadOnly)
	return share, nil
}

// Close stops monitors, closes open files, stops the servers and closes the
// store. It is safe to call more than once.
func (d *Daemon) Close() error {
	if d.stopping.Swap(true) {
		return nil
	}
	var errs *multierror.Error

	for _, s := range d.shares {
		if s.Monitor != nil {
			s.Monitor.Stop()
		}
	}
	for _, s := range d.shares {
		if err := s.FS.Shutdown(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("share %s: %w", s.Settings.Name, err))
		}
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.metrics.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}
	if d.quota != nil {
		d.quota.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.Warnf("[Daemon] shutdown: %v", err)
		return err
	}
	return nil
}

func (d *Daemon) setupLogging() error {
	if !d.settings.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return nil
	}

	// Truncate log file if it exceeds 50MB
	if err := truncateLogFile(LogPath(), 50*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	log.SetLevel(parseLevel(d.settings.LogLevel))
	return nil
}

func parseLevel(level string) log.Level {
	switch level {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	default:
		return log.DebugLevel
	}
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	// Keep the last half, starting at a line boundary
	startIdx := len(data) - len(data)/2
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	kept := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %s) ---\n",
		time.Now().Format(time.RFC3339), humanize.IBytes(uint64(len(kept)))))
	return os.WriteFile(logPath, append(header, kept...), 0600)
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// IsDaemonRunning reports whether the PID file names a live process.
func IsDaemonRunning() bool {
	pid, err := GetPID()
	if err != nil {
		return false
	}
	return util.IsProcessRunning(pid)
}
