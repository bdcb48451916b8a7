package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/config"
)

// RootOptions holds global flags and the settings derived from them.
type RootOptions struct {
	ConfigPath string
	DB         string
	LocalDB    string
	Email      string
	Verbose    bool
	Metrics    bool
	Format     string // "json" | "text"

	// Set by PersistentPreRunE.
	Config config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the optisync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "optisync",
		Short: "Optimistic task board client",
		Long: `optisync drives a task board through an optimistic sync engine.

Mutations show up at once and are rolled back if the authority rejects
them. The authority is a SQLite database that several clients can share.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	flags.StringVar(&opts.DB, "db", "", "authority database (overrides store.path)")
	flags.StringVar(&opts.LocalDB, "local-db", "", "client-local database (overrides local.path)")
	flags.StringVar(&opts.Email, "email", "", "sign in as this email")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&opts.Metrics, "metrics", false, "print metrics to stderr on exit")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewTaskCommand(opts))
	cmd.AddCommand(NewMemberCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSeenCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// prepare validates flags, loads the config and applies flag overrides.
func (o *RootOptions) prepare(stderr io.Writer) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DB != "" {
		cfg.Store.Path = o.DB
	}
	if o.LocalDB != "" {
		cfg.Local.Path = o.LocalDB
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}

	o.Config = cfg
	o.Logger = cfg.NewLogger(stderr)
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
