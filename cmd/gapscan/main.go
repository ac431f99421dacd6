package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/discovery"
	"github.com/nelssec/gapscan/internal/gaps"
	"github.com/nelssec/gapscan/internal/reconcile"
	"github.com/nelssec/gapscan/internal/reports"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	output := flag.String("output", "", "Write the report to this file instead of stdout")
	format := flag.String("format", "json", "Report format: json, csv, or pdf")
	methods := flag.String("methods", "", "Comma-separated discovery methods to run (default: all)")
	docsPath := flag.String("docs", "", "Override the documentation index path")
	rulesPath := flag.String("rules", "", "Override the compliance rule set path")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gapscan v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *docsPath != "" {
		cfg.Gaps.DocsIndexPath = *docsPath
	}
	if *rulesPath != "" {
		cfg.Gaps.RuleSetPath = *rulesPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *methods, reports.ReportFormat(*format), *output); err != nil {
		fmt.Fprintf(os.Stderr, "gapscan: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, methodList string, format reports.ReportFormat, output string) error {
	modules := selectModules(methodList)
	if len(modules) == 0 {
		return fmt.Errorf("no discovery modules match %q", methodList)
	}

	orch, err := discovery.NewOrchestrator(cfg.Discovery, modules, logger)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	runID := uuid.New()
	logger.Info("starting discovery run", "run_id", runID, "modules", len(modules))

	collection := orch.Run(ctx)
	collection.Metadata.RunID = runID

	assets := reconcile.NewEngine(logger).Reconcile(runID, collection.Observations)
	logger.Info("reconciliation complete",
		"observations", len(collection.Observations),
		"assets", len(assets))

	docs, err := gaps.LoadDocumentationIndex(cfg.Gaps.DocsIndexPath)
	if err != nil {
		return fmt.Errorf("loading documentation index: %w", err)
	}
	ruleSet, err := gaps.LoadRuleSet(cfg.Gaps.RuleSetPath)
	if err != nil {
		return fmt.Errorf("loading rule set: %w", err)
	}

	analyzer := gaps.NewAnalyzer(docs, ruleSet, gaps.Thresholds{
		StalenessWindow:       cfg.Gaps.StalenessWindow,
		CompletenessThreshold: cfg.Gaps.CompletenessThreshold,
	}, logger)

	result := analyzer.Analyze(runID, assets, time.Now())
	logger.Info("gap analysis complete",
		"gaps", len(result.Gaps),
		"skipped_rules", len(result.SkippedRules),
		"validation_errors", len(result.ValidationErrors))

	scores := gaps.Prioritize(result.Gaps, assets, gaps.Weights{
		Severity:   cfg.Priority.SeverityWeight,
		Regulatory: cfg.Priority.RegulatoryWeight,
		Exposure:   cfg.Priority.ExposureWeight,
	})

	report := reports.Assemble(collection.Metadata, assets, result, scores)

	generated, err := reports.NewGenerator().Generate(report, format, "")
	if err != nil {
		return err
	}

	if output == "" {
		if format != reports.FormatJSON {
			return fmt.Errorf("%s output requires -output", format)
		}
		_, err = os.Stdout.Write(generated.Data)
		return err
	}

	if err := os.WriteFile(output, generated.Data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	logger.Info("report written", "path", output, "bytes", len(generated.Data))
	return nil
}

func selectModules(methodList string) []discovery.Module {
	all := discovery.DefaultModules()
	if methodList == "" {
		return all
	}

	wanted := make(map[string]bool)
	for _, m := range strings.Split(methodList, ",") {
		wanted[strings.TrimSpace(m)] = true
	}

	var selected []discovery.Module
	for _, mod := range all {
		if wanted[string(mod.Method())] {
			selected = append(selected, mod)
		}
	}
	return selected
}
