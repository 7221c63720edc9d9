package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hannes/yaak-deid/config"
	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/pipeline"
	"github.com/hannes/yaak-deid/render"
	"github.com/hannes/yaak-deid/server"
	"github.com/hannes/yaak-deid/store"
)

var (
	redactOutput    string
	redactReport    string
	redactStyle     string
	redactDPI       int
	redactNoPII     bool
	redactNoFaces   bool
	redactOCRMode   string
	redactOverrides string

	infoJSON       bool
	categoriesJSON bool
)

var redactCmd = &cobra.Command{
	Use:   "redact INPUT",
	Short: "De-identify a PDF or image file",
	Long: `Redact PII text and blur faces in INPUT. The result is written next to the
input as NAME.redacted.EXT unless --output is given. Pages whose detectors
failed are still redacted with whatever the other detectors found and are
listed as degraded.`,
	Args: cobra.ExactArgs(1),
	RunE: runRedact,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP de-identification service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List the PII categories that can be selected for redaction",
	Args:  cobra.NoArgs,
	RunE:  runCategories,
}

var infoCmd = &cobra.Command{
	Use:   "info INPUT",
	Short: "Show document type, page count and text layer information",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	registerRedactFlags(redactCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print the result as JSON")
	categoriesCmd.Flags().BoolVar(&categoriesJSON, "json", false, "print the result as JSON")
}

func registerRedactFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&redactOutput, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&redactReport, "report", "", "write the JSON run report to this path")
	cmd.Flags().StringVar(&redactStyle, "style", "", "redaction style: opaque-box, gaussian-blur or pixelate")
	cmd.Flags().IntVar(&redactDPI, "dpi", 0, "render resolution for PDF pages")
	cmd.Flags().BoolVar(&redactNoPII, "no-pii", false, "skip PII text detection")
	cmd.Flags().BoolVar(&redactNoFaces, "no-faces", false, "skip face detection")
	cmd.Flags().StringVar(&redactOCRMode, "ocr", "", "OCR mode: auto, always or never")
	cmd.Flags().StringVar(&redactOverrides, "pipeline", "", "JSON object of pipeline option overrides")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// pipelineConfigFromFlags applies the redact flags onto the configured
// pipeline options. Only flags set on the command line take effect.
func pipelineConfigFromFlags(cmd *cobra.Command, base config.PipelineConfig) (config.PipelineConfig, error) {
	cfg, err := base.WithOverrides([]byte(redactOverrides))
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("style") {
		cfg.RedactionStyle = config.RedactionStyle(redactStyle)
	}
	if flags.Changed("dpi") {
		cfg.RenderDPI = redactDPI
	}
	if flags.Changed("no-pii") {
		cfg.RedactPII = !redactNoPII
	}
	if flags.Changed("no-faces") {
		cfg.BlurFaces = !redactNoFaces
	}
	if flags.Changed("ocr") {
		cfg.OCRMode = config.OCRMode(redactOCRMode)
	}
	return cfg, cfg.Validate()
}

func runRedact(cmd *cobra.Command, args []string) error {
	input := args[0]
	cfg, err := pipelineConfigFromFlags(cmd, app.cfg.Pipeline)
	if err != nil {
		return err
	}

	// #nosec G304 - input path is supplied by the operator
	data, err := os.ReadFile(input)
	if err != nil {
		return document.InputError("failed to read input", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	deps := loadModels(app.cfg, app.logger)
	defer deps.Close()

	p := pipeline.New(render.NewRenderer(render.FitzRasterizer{}, app.logger), deps.Models, app.reporter, app.logger)
	out, err := p.Run(ctx, data, cfg)
	if err != nil {
		return err
	}

	output := redactOutput
	if output == "" {
		output = defaultOutputPath(input, out.Artifact.Extension)
	}
	if err := os.WriteFile(output, out.Artifact.Data, 0600); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if redactReport != "" {
		encoded, err := json.MarshalIndent(out.Report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		if err := os.WriteFile(redactReport, encoded, 0600); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}

	printReport(out.Report, output)
	return nil
}

// defaultOutputPath turns dir/name.ext into dir/name.redacted.newExt.
func defaultOutputPath(input, ext string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + ".redacted" + ext
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	deps := loadModels(app.cfg, app.logger)
	defer deps.Close()

	reports, err := store.Open(ctx, app.cfg.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}

	p := pipeline.New(render.NewRenderer(render.FitzRasterizer{}, app.logger), deps.Models, app.reporter, app.logger)
	srv := server.NewServer(app.cfg, p, reports, deps.Manager, app.logger)
	defer func() {
		if err := srv.Close(); err != nil {
			app.logger.Warn().Err(err).Msg("Failed to close report store")
		}
	}()

	printInfo("Serving on %s", app.cfg.Server.Address)
	return srv.Start(ctx)
}

func runInfo(cmd *cobra.Command, args []string) error {
	// #nosec G304 - input path is supplied by the operator
	data, err := os.ReadFile(args[0])
	if err != nil {
		return document.InputError("failed to read input", err)
	}
	info, err := render.Inspect(data)
	if err != nil {
		return err
	}

	if infoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	printInfoSummary(args[0], info)
	return nil
}

func runCategories(cmd *cobra.Command, args []string) error {
	categories := app.cfg.Pipeline.AvailableCategories()
	if categoriesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(categories)
	}
	printCategories(categories, app.cfg.Pipeline.CategorySet())
	return nil
}

// exitCode distinguishes caller mistakes from processing failures.
func exitCode(err error) int {
	switch document.KindOf(err) {
	case document.ErrorKindConfig, document.ErrorKindInput:
		return 2
	case document.ErrorKindCancelled:
		return 130
	default:
		return 1
	}
}
