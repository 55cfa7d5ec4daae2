package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/BTreeMap/TaskPipe/internal/config"
)

var version = "dev"

// app carries the loaded configuration to every subcommand.
type app struct {
	cfg config.Config
}

type rootFlags struct {
	configPath string
	debug      bool
	backendURL string
	stateDir   string
	storeDSN   string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var f rootFlags

	cmd := &cobra.Command{
		Use:   "taskpipe",
		Short: "TaskPipe - verify task updates with the task backend",
		Long: `TaskPipe sends free-text status updates to the task backend and walks
through any clarification questions until every task is complete.

Run "taskpipe chat" in a terminal, or "taskpipe relay" to serve the same
conversation over WhatsApp or Twilio.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file (default $TASKPIPE_CONFIG)")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&f.backendURL, "backend-url", "", "Base URL of the task backend")
	pf.StringVar(&f.stateDir, "state-dir", "", "Directory for local state")
	pf.StringVar(&f.storeDSN, "store-dsn", "", "Store DSN: bbolt file, SQLite file or postgres:// URL")
	pf.DurationVar(&f.timeout, "timeout", 0, "Timeout of each backend request")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return err
		}
		f.apply(cmd.Flags(), &cfg)
		setupLogging(cmd.ErrOrStderr(), cfg.Debug)
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	}

	cmd.AddCommand(newChatCommand(a))
	cmd.AddCommand(newRelayCommand(a))
	cmd.AddCommand(newSessionCommand(a))
	cmd.AddCommand(newTokenCommand(a))

	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f *rootFlags) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("debug") {
		cfg.Debug = f.debug
	}
	if flags.Changed("backend-url") {
		cfg.BackendURL = f.backendURL
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout = f.timeout
	}
	if flags.Changed("state-dir") {
		// Paths derived from the previous state directory follow it.
		if cfg.StoreDSN == filepath.Join(cfg.StateDir, config.DefaultStoreFileName) {
			cfg.StoreDSN = ""
		}
		if cfg.WhatsApp.DSN == filepath.Join(cfg.StateDir, config.DefaultWhatsAppDBName) {
			cfg.WhatsApp.DSN = ""
			cfg.WhatsApp.DBDriver = ""
		}
		cfg.StateDir = f.stateDir
	}
	if flags.Changed("store-dsn") {
		cfg.StoreDSN = f.storeDSN
	}
	cfg.Finalize()
}

func setupLogging(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func execute() error {
	return newRootCommand().Execute()
}
