// Package cmd implements the pushq command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/pushq/internal/config"
	apperrors "github.com/3leaps/pushq/internal/errors"
	"github.com/3leaps/pushq/internal/observability"
	"github.com/3leaps/pushq/internal/server/handlers"
)

var (
	cfgFile         string
	verbose         bool
	dataDir         string
	destinationsDir string
	profilesDir     string

	appIdentity = config.DefaultIdentity()
	appConfig   *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "pushq",
	Short: "Local upload job queue",
	Long: `pushq queues artifact uploads to pluggable destinations.

A job is created against a destination with validated settings, marked
ready once its artifact exists, and executed by a bounded worker pool that
hands the settings to the destination's runner.

Examples:
  pushq destinations list
  pushq jobs create -d s3-eu --name nightly --set region=eu-west-1
  pushq jobs ready 3f2a /var/images/disk.raw
  pushq worker --workers 2`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/pushq/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.StringVar(&dataDir, "data-dir", "", "Data directory holding the job store")
	pf.StringVar(&destinationsDir, "destinations-dir", "", "Directory of destination descriptors")
	pf.StringVar(&profilesDir, "profiles-dir", "", "Directory of saved settings profiles")

	setDefaults()
}

// setDefaults mirrors the config defaults into the global viper instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initApp(cmd *cobra.Command, _ []string) error {
	name := "pushq"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	observability.InitCLILogger(name, verbose)

	if cfgFile != "" && appIdentity != nil {
		if err := os.Setenv(appIdentity.EnvPrefix+"_CONFIG", cfgFile); err != nil {
			return err
		}
	}

	queue := map[string]any{}
	if dataDir != "" {
		queue["data_dir"] = dataDir
	}
	if destinationsDir != "" {
		queue["destinations_dir"] = destinationsDir
	}
	if profilesDir != "" {
		queue["profiles_dir"] = profilesDir
	}

	cfg, err := config.Load(cmd.Context(), map[string]any{"queue": queue})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("data_dir", cfg.Queue.DataDir),
		zap.String("destinations_dir", cfg.Queue.DestinationsDir),
		zap.String("profiles_dir", cfg.Queue.ProfilesDir))
	return nil
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ExitWithCode(observability.CLILogger, exitCodeFor(err), "Command failed", err)
	}
}

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}

// cliError carries an explicit exit code.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return apperrors.ExitCode(err)
}
