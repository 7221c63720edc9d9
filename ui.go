package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/pipeline"
	"github.com/hannes/yaak-deid/render"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgCyan, color.Bold)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Printf("✓ %s\n", fmt.Sprintf(format, args...))
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...interface{}) {
	warningColor.Printf("⚠ %s\n", fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...interface{}) {
	infoColor.Printf("ℹ %s\n", fmt.Sprintf(format, args...))
}

// printReport summarises a finished run. Literal PII never reaches the
// report, so nothing printed here is sensitive.
func printReport(report *pipeline.Report, output string) {
	printSuccess("Wrote %s (%d pages, %s)", output, report.PageCount, report.DocumentType)

	if report.PIITotal > 0 {
		categories := make([]string, 0, len(report.PIIByCategory))
		for c := range report.PIIByCategory {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		parts := make([]string, len(categories))
		for i, c := range categories {
			parts[i] = fmt.Sprintf("%s=%d", c, report.PIIByCategory[c])
		}
		printInfo("Redacted %d PII regions: %s", report.PIITotal, strings.Join(parts, ", "))
	} else {
		printInfo("No PII found")
	}

	if report.FacesRedacted > 0 {
		printInfo("Blurred %d faces (mean confidence %.2f)", report.FacesRedacted, report.FaceMeanConfidence)
	}

	for _, w := range report.DocumentWarnings {
		printWarning("%s", w)
	}
	for _, w := range report.Warnings {
		printWarning("Page %d: %s detector degraded: %s", w.Page+1, w.Detector, w.Message)
	}
	if report.Degraded() {
		printWarning("%d of %d pages were redacted without every detector", len(report.DegradedPages), report.PageCount)
	}
}

func printInfoSummary(path string, info *render.Info) {
	headerColor.Printf("%s\n", path)
	fmt.Printf("  %s\n", info.String())
	fmt.Printf("  %d bytes\n", info.SizeInBytes)
	for i, box := range info.PageSizes {
		fmt.Printf("  page %d: %.0f x %.0f pt\n", i+1, box.Width(), box.Height())
	}

	if len(info.Metadata) > 0 {
		keys := make([]string, 0, len(info.Metadata))
		for k := range info.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		headerColor.Println("  metadata")
		for _, k := range keys {
			fmt.Printf("    %s: %s\n", k, info.Metadata[k])
		}
	}
	if info.Type == document.TypePDF && !info.HasText {
		printWarning("No extractable text; PII detection will rely on OCR")
	}
}

// printCategories lists every category, marking the ones a run redacts
// when the configuration narrows the selection.
func printCategories(categories []string, enabled map[string]bool) {
	headerColor.Println("PII categories")
	for _, c := range categories {
		mark := " "
		if enabled == nil || enabled[c] {
			mark = "✓"
		}
		fmt.Printf("  %s %s\n", mark, c)
	}
	if enabled != nil {
		printInfo("%d of %d categories enabled by pii_categories", len(enabled), len(categories))
	}
}
