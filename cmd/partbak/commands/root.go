// Package commands implements the CLI commands for partbak.
package commands

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/partbak/internal/config"
	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
)

// version is set at build time via ldflags.
// Default to a development version for local builds.
var version = "0.1.0"

// verbosity holds the count of -v flags.
var verbosity int

// quiet holds the value of the -q/--quiet flag.
var quiet bool

// logFormat holds the value of the --log-format flag.
var logFormat string

// logFile holds the path to the log file.
var logFile string

// configPath holds the value of the --config flag.
var configPath string

// cfg is the loaded configuration; configLoadErr holds any error that
// occurred while loading it.
var (
	cfg           *config.Config
	configLoadErr error
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase verbosity level (e.g., -v, -vv)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format: text, json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to file in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: ./config.yaml, ~/.config/partbak/config.yaml)")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("partbak version {{.Version}}\n")

	// Silence errors and usage so we can control error output
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

func initConfig() {
	config.Init()
	cfg, configLoadErr = config.Load(configPath)
}

var rootCmd = &cobra.Command{
	Use:   "partbak",
	Short: "Part-wise incremental backup for partitions and disk images",
	Long: `partbak backs up a raw byte stream (a block device or a large file) by
carving it into fixed-size parts and storing each part as its own file.

Runs are incremental: a part whose content is unchanged since the
previous snapshot costs nothing (it is hard-linked forward), and a part
that is entirely zero collapses to an empty marker file. An interrupted
run is resumed by simply running the same command again.

Parts can optionally be sealed with authenticated encryption or
disguised with a chained keystream before they touch the destination.`,
	Example: `  # Back up a partition by UUID, keeping 4 snapshots
  partbak backup --uuid 1c42e044-eb87-4884-a2e9-a42b1e389bb7 /backup/root

  # Back up a disk image with custom sizes
  partbak backup --block-size 4k --part-size 250m disk.img /backup/disk

  # Restore the latest snapshot onto a partition
  partbak restore /backup/root /dev/sdb3

  See Also: partbak snapshot list, partbak snapshot prune`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(cmd); err != nil {
			return err
		}
		return checkConfig(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// setupLogging configures the default logger based on verbosity flags.
func setupLogging(cmd *cobra.Command) error {
	if quiet && verbosity > 0 {
		return errors.NewUserError(nil, "cannot use --quiet and --verbose together")
	}

	var level slog.Level
	if quiet {
		level = slog.LevelError
	} else {
		v := verbosity

		// CLI flags take precedence, but if not set, check env var
		if v == 0 {
			if val, ok := os.LookupEnv("PARTBAK_DEBUG"); ok {
				switch val {
				case "1", "true":
					v = 2
				case "2":
					v = 3
				}
			}
		}
		level = logging.LevelFromVerbosity(v)
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var primaryHandler slog.Handler
	switch logging.Format(logFormat) {
	case logging.FormatJSON:
		primaryHandler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	default:
		primaryHandler = logging.NewHandler(cmd.ErrOrStderr(), opts)
	}

	handlers := []slog.Handler{primaryHandler}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return errors.NewUserError(err, "failed to open log file")
		}
		// File output uses JSON format
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: level,
		}))
	}

	var handler slog.Handler
	if len(handlers) > 1 {
		handler = logging.NewMultiHandler(handlers...)
	} else {
		handler = handlers[0]
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.NewContext(ctx, logger))

	return nil
}

// checkConfig surfaces config load and validation errors before any
// command runs.
func checkConfig(cmd *cobra.Command) error {
	if cmd.Name() == "help" || cmd.Name() == "version" {
		return nil
	}

	if configLoadErr != nil {
		return errors.NewUserError(configLoadErr, "Check the config file syntax or pass --config")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		err := errors.Mark(errors.Newf("invalid configuration: %s", strings.Join(msgs, "; ")), errors.ErrInvalidConfig)
		return errors.NewUserError(err, "Fix the config file or override the value with a flag")
	}

	return nil
}

// activeConfig returns the loaded configuration, falling back to the
// built-in defaults.
func activeConfig() *config.Config {
	if cfg != nil {
		return cfg
	}
	return config.Default()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
