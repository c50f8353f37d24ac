package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
	"github.com/cptspacemanspiff/gnome-app-power/internal/config"
	dbusprobe "github.com/cptspacemanspiff/gnome-app-power/internal/dbus"
	"github.com/cptspacemanspiff/gnome-app-power/internal/logging"
	"github.com/cptspacemanspiff/gnome-app-power/internal/pass"
	"github.com/cptspacemanspiff/gnome-app-power/internal/session"
	"github.com/cptspacemanspiff/gnome-app-power/internal/storage"
)

type statusReport struct {
	Latest *storage.BatteryRecord   `json:"latest"`
	Health *collector.BatteryHealth `json:"health,omitempty"`
}

// readBatteryHealth is overridable in tests.
var readBatteryHealth = collector.ReadBatteryHealth

type options struct {
	configPath string
	dbPath     string
	jsonOut    bool
	verbose    bool
	logTopics  string
	resetDB    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:           "app-power",
		Short:         "Sample per-application CPU use and attribute battery drain",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPass(cmd.Context(), cmd.OutOrStdout(), &opts)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/app-power/config.toml)")
	flags.StringVar(&opts.dbPath, "db", "", "database path, overrides storage.db_path")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable all verbose logging (equivalent to --log=all)")
	flags.StringVar(&opts.logTopics, "log", "", "comma-separated log topics: process,battery,flatpak,storage (or 'all')")
	root.Flags().BoolVar(&opts.jsonOut, "json", false, "print the report as JSON")
	root.Flags().BoolVar(&opts.resetDB, "reset-db", false, "delete the database and start fresh")

	root.AddCommand(newInitConfigCmd(&opts))
	root.AddCommand(newStatusCmd(&opts))
	return root
}

// loadConfig reads the config file. A missing file at the default location
// means defaults; a missing file that was asked for explicitly is an error.
func loadConfig(opts *options) (*config.Config, error) {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, fmt.Errorf("locate config: %w", err)
		}
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.DefaultConfig()
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if opts.dbPath != "" {
		cfg.Storage.DBPath = opts.dbPath
	}
	return config.NormalizeAndValidate(cfg)
}

func newLogger(cfg *config.Config, opts *options) (*slog.Logger, io.Closer) {
	return logging.New(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Topics:     logging.ParseTopics(opts.verbose, opts.logTopics),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}, os.Stderr)
}

func openStore(dbPath string) (*storage.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	return store, nil
}

func resetDatabase(dbPath string, logger *slog.Logger) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete database: %w", err)
		}
	}
	logger.Info("database deleted", "path", dbPath)
	return nil
}

// newBatteryProbe returns nil for the "none" probe.
func newBatteryProbe(cfg *config.Config) collector.BatteryProbe {
	switch cfg.Battery.Probe {
	case config.ProbeUPower:
		return collector.UPowerProbe{Device: cfg.Battery.Device, Run: collector.ExecRunner(cfg.ProbeTimeout())}
	case config.ProbeDBus:
		return dbusprobe.UPowerProbe{Device: cfg.Battery.Device, Timeout: cfg.ProbeTimeout()}
	case config.ProbeSysfs:
		return collector.SysfsProbe{Device: cfg.Battery.Device}
	default:
		return nil
	}
}

func runPass(ctx context.Context, out io.Writer, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closer := newLogger(cfg, opts)
	defer closer.Close()

	if opts.resetDB {
		return resetDatabase(cfg.Storage.DBPath, logger)
	}

	store, err := openStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self := int32(os.Getpid())
	runner := &pass.Runner{
		Store:     store,
		Tracker:   session.NewTracker(newBatteryProbe(cfg), store, cfg.Window(), logger.With("topic", "battery")),
		Sampler:   collector.PsutilSampler{},
		Inspector: collector.ProcInspector{},
		Options: collector.ClassifierOptions{
			SupervisorRoots: cfg.Classifier.SupervisorRoots,
			HelperNames:     cfg.Classifier.HelperNames,
			NativePrefixes:  cfg.Classifier.NativePrefixes,
		},
		Flatpak:   collector.ExecRunner(cfg.ProbeTimeout()),
		Retention: cfg.Retention(),
		Exclude: func(ctx context.Context) map[int32]bool {
			return collector.SelfAndDescendants(ctx, self)
		},
		Logger: logger,
	}

	// Strip monotonic so stored times are plain wall clock.
	report, err := runner.Run(ctx, time.Now().Round(0))
	if report != nil {
		if renderErr := renderReport(out, report, opts.jsonOut); renderErr != nil {
			return renderErr
		}
	}
	return err
}

// readHealth returns battery wear from sysfs whichever probe records
// telemetry, or nil when it cannot be read.
func readHealth(device string, logger *slog.Logger) *collector.BatteryHealth {
	health, err := readBatteryHealth(device)
	if err != nil {
		if !errors.Is(err, collector.ErrNoBattery) {
			logger.Debug("battery health unavailable", "err", err)
		}
		return nil
	}
	return health
}

func newInitConfigCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return fmt.Errorf("locate config: %w", err)
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest stored battery reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			latest, err := store.LatestBattery()
			if err != nil {
				return fmt.Errorf("latest battery reading: %w", err)
			}
			logger, closer := newLogger(cfg, opts)
			defer closer.Close()
			health := readHealth(cfg.Battery.Device, logger.With("topic", "battery"))

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statusReport{Latest: latest, Health: health})
			}
			return renderStatus(cmd.OutOrStdout(), latest, health)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the reading as JSON")
	return cmd
}
