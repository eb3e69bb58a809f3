package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"migration-guard/internal/application"
	"migration-guard/internal/config"
	"migration-guard/internal/confirmation"
	"migration-guard/internal/database"
	"migration-guard/internal/display"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/secrets"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	noColor   bool
	theme     string
	logFormat string

	v = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "migration-guard",
	Short: "Back up a service, let an upgrade happen, and prove nothing was lost",
	Long: `migration-guard wraps one maintenance window on a stateful service made of a
MySQL datastore, a SOPS encrypted secret bundle and per-user file trees.

It validates the environment, takes a verified backup, lets the destructive
upgrade or restore happen, and then compares structural snapshots taken before
and after. Any lost record has to be acknowledged by the operator.

Examples:
  # Full window: backup, wait for the upgrade, verify
  migration-guard run

  # Run the upgrade command and restore the fresh backup afterwards
  migration-guard run --upgrade-command "apt-get install -y notes-service" --restore

  # Check the environment only
  migration-guard preflight

  # Generate a sample configuration
  migration-guard config > .migration-guard.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && quiet {
			return errors.NewAppError(errors.ErrorTypeValidation, "--verbose and --quiet flags are mutually exclusive", nil)
		}
		return nil
	},
}

// Execute runs the command tree and returns the process exit code. SIGINT
// and SIGTERM cancel the command's context.
func Execute() int {
	ctx, cancel := errors.SignalContext(context.Background())
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		application.ReportError(rootCmd.ErrOrStderr(), nil, err)
	}
	return errors.ExitCode(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.migration-guard.yaml, /etc/migration-guard or $HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().StringVar(&theme, "theme", "dark", "color theme (dark, light, high-contrast)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the config file and environment
func initConfig() {
	config.SetupViper(v, cfgFile)
}

// env bundles what every command needs once the configuration is loaded
type env struct {
	cfg     *config.Config
	logger  *logging.Logger
	printer *display.Printer
	tool    secrets.Tool
	out     io.Writer
	prompt  *confirmation.Prompter
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "configuration error", err)
	}

	out := cmd.OutOrStdout()
	logger, err := logging.NewLogger(logConfig(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}

	displayCfg := display.DefaultConfig()
	displayCfg.Writer = out
	displayCfg.Theme = theme
	displayCfg.Quiet = quiet
	displayCfg.Verbose = verbose
	if f, ok := out.(*os.File); noColor || !ok || !display.ColorSupported(f) {
		displayCfg.ColorEnabled = false
		displayCfg.Unicode = false
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		printer: display.NewPrinter(displayCfg),
		tool:    secrets.NewSopsTool(cfg.Secrets.Binary, cfg.Secrets.Timeout),
		out:     out,
	}, nil
}

// logConfig maps the configured level and the verbosity flags to a logger config
func logConfig(cfg *config.Config, out io.Writer) logging.Config {
	level := logging.LogLevel(cfg.Log.LogLevel())
	switch {
	case quiet:
		level = logging.LogLevelQuiet
	case verbose && level != logging.LogLevelDebug:
		level = logging.LogLevelVerbose
	}
	return logging.Config{
		Level:  level,
		Output: out,
		Format: cfg.Log.Format,
	}
}

func (e *env) connector() *database.Connector {
	store := secrets.NewStore(e.tool, e.cfg.Secrets.BundlePath, e.cfg.Secrets.KeyPath)
	return database.NewConnector(e.cfg.Database, store, e.logger)
}

func (e *env) openDatastore(ctx context.Context) (*database.Service, error) {
	db, cred, err := e.connector().Connect(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("credential", string(cred)).Debug("Datastore connection established")
	return database.NewService(db, e.cfg.Database.Name, e.logger), nil
}

// prompter returns the command's only terminal prompter, so every prompt
// reads stdin through the same buffer
func (e *env) prompter() *confirmation.Prompter {
	if e.prompt == nil {
		e.prompt = confirmation.NewTerminalPrompter(e.printer)
	}
	return e.prompt
}

func (e *env) close() {
	if err := e.logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log: %v\n", err)
	}
}
