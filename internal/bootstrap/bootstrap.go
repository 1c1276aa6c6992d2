// Package bootstrap assembles the extraction stack from the process
// configuration for the binaries.
package bootstrap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/meterread-worker/internal/config"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
	"github.com/adverant/nexus/meterread-worker/internal/recognition"
	"github.com/adverant/nexus/meterread-worker/internal/recognition/tesseract"
)

// Orchestrator builds the Tesseract engine, the display format, the digit
// templates and the orchestrator described by cfg. A nil reg disables
// metrics. A missing engine is logged, not fatal: the template and
// seven-segment strategies do not need it.
func Orchestrator(cfg *config.Config, reg prometheus.Registerer, logger *logging.Logger) (*ocr.Orchestrator, error) {
	ocrCfg, err := ocr.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid OCR configuration: %w", err)
	}

	engine := tesseract.NewEngine(tesseract.Config{
		TesseractPath:  cfg.TesseractPath,
		TessdataPrefix: cfg.TessdataPrefix,
		Language:       cfg.TesseractLanguage,
	})
	if err := engine.Available(); err != nil {
		logger.Warn("Tesseract unavailable, engine-backed strategies will fail", "error", err)
	} else {
		logger.Info("Tesseract engine ready", "version", engine.Version(), "language", cfg.TesseractLanguage)
	}

	templates, err := recognition.LoadTemplates(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}

	format := recognition.DisplayFormat{Whole: cfg.WholeDigits, Fraction: cfg.FractionDigits}
	opts := []ocr.Option{ocr.WithLogger(logger.With("component", "orchestrator"))}
	if reg != nil {
		opts = append(opts, ocr.WithMetrics(ocr.NewPrometheusCollector("meterread", reg)))
	}

	logger.Info("OCR configured",
		"default_strategy", ocrCfg.DefaultStrategy,
		"threshold", ocrCfg.ConfidenceThreshold,
		"fallback", ocrCfg.EnableFallback,
		"fallback_order", ocrCfg.FallbackOrder,
		"debug", ocrCfg.DebugMode,
		"templates", templates.Len(),
		"format", fmt.Sprintf("%d.%d", format.Whole, format.Fraction),
	)
	return ocr.NewOrchestrator(ocrCfg, ocr.NewStrategies(engine, format, templates), opts...), nil
}
