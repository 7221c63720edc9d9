package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile   string
	envFile   string
	verbose   bool
	noColor   bool
	logFormat string
)

// app is the state shared by every command, built once in
// PersistentPreRunE.
var app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	reporter *observability.Reporter
}

var rootCmd = &cobra.Command{
	Use:   "deid",
	Short: "De-identify PDFs and images",
	Long: `deid removes personally identifying text and faces from PDFs and images.
Every page is rasterised, detected regions are painted over and the output
is rebuilt without a text layer, so nothing redacted can be recovered.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		if loaded := config.LoadDotEnv(envFile); loaded != "" && verbose {
			fmt.Fprintf(os.Stderr, "Loaded environment from %s\n", loaded)
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		app.cfg = cfg
		app.logger = observability.NewLogger(cfg.Logging, os.Stderr)
		log.Logger = app.logger

		reporter, err := observability.NewReporter(cfg.Sentry, version)
		if err != nil {
			app.logger.Warn().Err(err).Msg("Error reporting disabled")
			reporter = &observability.Reporter{}
		}
		app.reporter = reporter
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")

	rootCmd.AddCommand(redactCmd, serveCmd, infoCmd, categoriesCmd)
}

func main() {
	err := rootCmd.Execute()
	// Flush even on failure, terminal pipeline errors are the events worth sending.
	app.reporter.Flush(2 * time.Second)
	if err != nil {
		printError("%v", err)
		os.Exit(exitCode(err))
	}
}
