/**
 * Reading Processor for the meter reading worker
 *
 * Turns one uploaded meter photo into a stored reading:
 * - load the image from the job buffer or download it with retries
 * - sniff the format from magic bytes and archive the raw photo
 * - run the strategy orchestrator (default strategy, fallback per config)
 * - validate the value against the device's previous reading
 * - store reading and job status together; failed photos move to failed/
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
	"github.com/adverant/nexus/meterread-worker/internal/storage"
	"github.com/adverant/nexus/meterread-worker/internal/validation"
)

// ReadingProcessorInterface is what the queue consumers drive.
type ReadingProcessorInterface interface {
	ProcessReading(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	Benchmark(ctx context.Context, req *ProcessRequest) (*ocr.BenchmarkReport, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// Extractor reads meter values from image files.
type Extractor interface {
	Process(ctx context.Context, imagePath string) ocr.OCRResult
	BenchmarkStrategies(ctx context.Context, imagePath string) ocr.BenchmarkReport
}

// ReadingStore persists readings and job status.
type ReadingStore interface {
	PreviousReading(ctx context.Context, deviceID string, before time.Time) (*storage.Reading, error)
	StoreReading(ctx context.Context, reading *storage.Reading, job *storage.JobUpdate) (int64, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Archive keeps the photos a reading refers to.
type Archive interface {
	SaveRaw(data []byte, filename, deviceID string) (string, error)
	SaveProcessed(rawRel string, png []byte) (string, error)
	MoveToFailed(rel string) (string, error)
	FullPath(rel string) string
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	MaxFileSize int64
	Extractor   Extractor
	Store       ReadingStore
	Archive     Archive
	Validator   *validation.Validator
	Logger      *logging.Logger

	// Download behaviour; zero values select the defaults.
	HTTPClient     *http.Client
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ContrastFactor float64
}

// ProcessRequest represents a meter photo processing request
type ProcessRequest struct {
	JobID      string
	DeviceID   string
	Source     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Timestamp  time.Time
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID              string             `json:"jobId"`
	ReadingID          int64              `json:"readingId"`
	Result             ocr.OCRResult      `json:"ocr"`
	Validation         validation.Outcome `json:"validation"`
	ManualReview       bool               `json:"manualReview"`
	PhotoPath          string             `json:"photoPath"`
	ProcessedPhotoPath string             `json:"processedPhotoPath,omitempty"`
	ProcessingTimeMs   int64              `json:"processingTimeMs"`
}

// ReadingProcessor handles meter photo processing
type ReadingProcessor struct {
	config    *ProcessorConfig
	extractor Extractor
	store     ReadingStore
	archive   Archive
	validator *validation.Validator
	logger    *logging.Logger
	client    *http.Client
	now       func() time.Time
}

// NewReadingProcessor creates a new reading processor
func NewReadingProcessor(cfg *ProcessorConfig) (*ReadingProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("reading store is required")
	}

	if cfg.Archive == nil {
		return nil, fmt.Errorf("image archive is required")
	}

	c := *cfg
	if c.Validator == nil {
		c.Validator = validation.NewValidator()
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger("processor")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 32 * time.Second
	}
	if c.ContrastFactor <= 0 {
		c.ContrastFactor = 2.0
	}

	return &ReadingProcessor{
		config:    &c,
		extractor: c.Extractor,
		store:     c.Store,
		archive:   c.Archive,
		validator: c.Validator,
		logger:    c.Logger,
		client:    c.HTTPClient,
		now:       time.Now,
	}, nil
}

// ProcessReading runs one photo through extraction, validation and storage.
// Extraction failures move the photo to failed/ and return an error carrying
// the strategy's error code; rejected readings return READING_REJECTED.
func (p *ReadingProcessor) ProcessReading(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := p.now()
	log := p.logger.With("job_id", req.JobID, "device_id", req.DeviceID)

	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}

	rawRel, err := p.archive.SaveRaw(data, req.Filename, req.DeviceID)
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	log.Info("Photo archived", "path", rawRel, "bytes", len(data))

	result := p.extractor.Process(ctx, p.archive.FullPath(rawRel))
	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.NewProcessingTimeoutError(req.JobID, p.now().Sub(start), ctx.Err())
	}

	if !result.Success {
		failedRel, moveErr := p.archive.MoveToFailed(rawRel)
		if moveErr != nil {
			log.Warn("Could not move photo to failed", "path", rawRel, "error", moveErr)
		}
		log.Warn("No reading extracted",
			"strategy", result.StrategyUsed,
			"attempts", result.Attempts,
			"error_code", result.ErrorCode,
			"photo", failedRel,
		)
		return nil, errors.NewExtractionFailedError(req.JobID, result.ErrorCode, result.ErrorMessage)
	}

	value, _ := result.Reading()
	taken := req.Timestamp
	if taken.IsZero() {
		taken = p.now().UTC()
	}

	var previous *validation.Previous
	if req.DeviceID != "" {
		prev, err := p.store.PreviousReading(ctx, req.DeviceID, taken)
		if err != nil {
			return nil, errors.NewStorageFailedError(req.JobID, err)
		}
		if prev != nil {
			previous = &validation.Previous{ReadingKWh: prev.ReadingKWh, Timestamp: prev.Timestamp}
		}
	}

	outcome := p.validator.Validate(value, result.Confidence, previous, taken)
	if !outcome.Valid {
		log.Warn("Reading rejected", "reading_kwh", value, "confidence", result.Confidence, "reason", outcome.Reason)
		return nil, errors.NewReadingRejectedError(req.JobID, outcome.Reason)
	}

	processedRel := p.saveProcessed(rawRel, log)

	source := req.Source
	if source == "" {
		source = storage.SourceDevice
		if req.DeviceID == "" {
			source = storage.SourceManual
		}
	}

	manualReview := p.validator.SuggestManualReview(result.Confidence, outcome.Details)
	elapsed := p.now().Sub(start).Milliseconds()

	readingID, err := p.store.StoreReading(ctx, &storage.Reading{
		Timestamp:          taken,
		ReadingKWh:         value,
		PhotoPath:          rawRel,
		ProcessedPhotoPath: processedRel,
		Source:             source,
		DeviceID:           req.DeviceID,
		OCRConfidence:      result.Confidence,
		OCRStrategy:        string(result.StrategyUsed),
	}, &storage.JobUpdate{
		JobID:            req.JobID,
		DeviceID:         req.DeviceID,
		Filename:         req.Filename,
		MimeType:         req.MimeType,
		FileSize:         int64(len(data)),
		Status:           storage.JobStatusCompleted,
		Confidence:       result.Confidence,
		ProcessingTimeMs: elapsed,
		StrategyUsed:     string(result.StrategyUsed),
		Metadata: map[string]interface{}{
			"digits":       result.Digits,
			"attempts":     result.Attempts,
			"meterType":    result.MeterType,
			"validation":   outcome.Details,
			"manualReview": manualReview,
		},
	})
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}

	log.Info("Reading stored",
		"reading_id", readingID,
		"reading_kwh", value,
		"confidence", result.Confidence,
		"strategy", result.StrategyUsed,
		"quality", outcome.Details.Quality,
		"manual_review", manualReview,
		"duration_ms", elapsed,
	)

	return &ProcessResult{
		JobID:              req.JobID,
		ReadingID:          readingID,
		Result:             result,
		Validation:         outcome,
		ManualReview:       manualReview,
		PhotoPath:          rawRel,
		ProcessedPhotoPath: processedRel,
		ProcessingTimeMs:   elapsed,
	}, nil
}

// Benchmark runs every strategy on the job's photo without storing anything.
func (p *ReadingProcessor) Benchmark(ctx context.Context, req *ProcessRequest) (*ocr.BenchmarkReport, error) {
	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}

	path, cleanup, err := writeTemp(data, req.Filename)
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	defer cleanup()

	report := p.extractor.BenchmarkStrategies(ctx, path)
	return &report, nil
}

// UpdateJobStatus updates job status in database
func (p *ReadingProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if deviceID, ok := metadata["deviceId"].(string); ok {
			update.DeviceID = deviceID
		}
		if filename, ok := metadata["filename"].(string); ok {
			update.Filename = filename
		}
		if mimeType, ok := metadata["mimeType"].(string); ok {
			update.MimeType = mimeType
		}
		if fileSize, ok := metadata["fileSize"].(int64); ok {
			update.FileSize = fileSize
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
			update.ErrorMessage = msg
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadImage loads the job's bytes and checks they are an image we can decode.
func (p *ReadingProcessor) loadImage(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	data, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, errors.NewDownloadFailedError(req.JobID, req.FileURL, err)
	}

	if p.config.MaxFileSize > 0 && int64(len(data)) > p.config.MaxFileSize {
		return nil, errors.NewUnsupportedFormatError(req.JobID,
			fmt.Sprintf("%s (%d bytes exceeds %d)", req.MimeType, len(data), p.config.MaxFileSize))
	}

	mimeType := detectMimeTypeFromMagicBytes(data)
	if !supportedImageTypes[mimeType] {
		if mimeType == "" {
			mimeType = req.MimeType
		}
		return nil, errors.NewUnsupportedFormatError(req.JobID, mimeType)
	}
	if req.MimeType != "" && req.MimeType != mimeType {
		p.logger.Debug("Declared MIME type differs from content", "job_id", req.JobID, "declared", req.MimeType, "detected", mimeType)
	}
	req.MimeType = mimeType
	return data, nil
}

// loadFile loads file from URL or buffer
func (p *ReadingProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		p.logger.Debug("Using file buffer", "job_id", req.JobID, "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		p.logger.Info("Downloading file", "job_id", req.JobID, "url", req.FileURL, "file_size", req.FileSize)
		return p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// downloadFileFromURL downloads a file with exponential backoff between
// attempts. Oversized bodies fail immediately.
func (p *ReadingProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := p.backoff(attempt - 1)
			p.logger.Info("Retrying download", "job_id", jobID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", lastErr)
			}
		}

		data, err := p.fetch(ctx, fileURL, expectedSize)
		if err == nil {
			p.logger.Info("Download successful", "job_id", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if _, fatal := err.(tooLargeError); fatal {
			return nil, err
		}

		lastErr = err
		p.logger.Warn("Download attempt failed", "job_id", jobID, "attempt", attempt, "max_attempts", p.config.MaxRetries, "error", err)
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", p.config.MaxRetries, lastErr)
}

type tooLargeError struct{ size, limit int64 }

func (e tooLargeError) Error() string {
	return fmt.Sprintf("file size exceeds maximum: %d > %d bytes", e.size, e.limit)
}

func (p *ReadingProcessor) fetch(ctx context.Context, fileURL string, expectedSize int64) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, tooLargeError{size: resp.ContentLength, limit: limit}
	}
	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		p.logger.Warn("Content-Length mismatch", "expected", expectedSize, "got", resp.ContentLength)
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		// One extra byte tells an oversized body without Content-Length apart.
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, tooLargeError{size: int64(len(data)), limit: limit}
	}
	return data, nil
}

func (p *ReadingProcessor) backoff(retry int) time.Duration {
	d := time.Duration(float64(p.config.InitialBackoff) * math.Pow(2, float64(retry-1)))
	if d > p.config.MaxBackoff {
		d = p.config.MaxBackoff
	}
	return d
}

// saveProcessed archives the contrast-enhanced grayscale rendition of the
// raw photo. Failures only cost the processed copy.
func (p *ReadingProcessor) saveProcessed(rawRel string, log *logging.Logger) string {
	img, err := preprocess.Load(p.archive.FullPath(rawRel))
	if err != nil {
		log.Warn("Processed photo skipped", "error", err)
		return ""
	}

	png, err := preprocess.EncodePNG(preprocess.EnhanceContrast(preprocess.Grayscale(img), p.config.ContrastFactor))
	if err != nil {
		log.Warn("Processed photo skipped", "error", err)
		return ""
	}

	rel, err := p.archive.SaveProcessed(rawRel, png)
	if err != nil {
		log.Warn("Processed photo skipped", "error", err)
		return ""
	}
	return rel
}

// writeTemp stores data in a temporary file that keeps the upload's extension.
func writeTemp(data []byte, filename string) (string, func(), error) {
	f, err := os.CreateTemp("", "meter-*"+filepath.Ext(filename))
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file content
// magic bytes. Uploads from devices often arrive as application/octet-stream.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: little-endian or big-endian byte order mark
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	// ZIP: 'P' 'K' 0x03 0x04
	if bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}) {
		return "application/zip"
	}

	return ""
}
