package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/imarsiglia/outboxsync"
	"github.com/imarsiglia/outboxsync/internal/app"
	"github.com/imarsiglia/outboxsync/internal/config"
	"github.com/imarsiglia/outboxsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Store   string
	Path    string
	Table   string
	BaseURL string
	Format  string // "json" | "text"
	Verbose bool

	cfg config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for outboxctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Inspect and operate an outboxsync queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store backend (file|sqlite|postgres|mysql|memory), overrides OUTBOX_STORE")
	cmd.PersistentFlags().StringVar(&opts.Path, "path", "", "file store directory or sqlite database, overrides OUTBOX_PATH")
	cmd.PersistentFlags().StringVar(&opts.Table, "table", "", "SQL table prefix, overrides OUTBOX_TABLE")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "entity API base URL, overrides ENTITY_BASE_URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewArchivedCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))

	return cmd
}

// resolve loads env config and applies flag overrides.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store = o.Store
	}
	if flags.Changed("path") {
		cfg.Path = o.Path
	}
	if flags.Changed("table") {
		cfg.Table = o.Table
	}
	if flags.Changed("base-url") {
		cfg.BaseURL = o.BaseURL
	}
	o.cfg = cfg
	return nil
}

func (o *RootOptions) logger(w io.Writer) *logging.Adapter {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return logging.New(w, "text", level)
}

// openEngine opens the configured store and builds an engine over it. The
// service is only needed by drain; other commands pass nil.
func (o *RootOptions) openEngine(cmd *cobra.Command, service outboxsync.EntityService, cache outboxsync.Cache) (*outboxsync.Engine, *app.Store, error) {
	logger := o.logger(cmd.ErrOrStderr())
	store, err := app.OpenStore(cmd.Context(), o.cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	engine := outboxsync.NewEngine(store, service, cache, outboxsync.Options{
		StaleAfter: o.cfg.StaleAfter,
		Logger:     logger,
	})
	return engine, store, nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
