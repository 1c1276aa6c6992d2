// Package server exposes the HTTP surface of the worker: health, metrics,
// the standalone OCR test endpoints and the device upload endpoint that
// feeds the job queue.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
	"github.com/adverant/nexus/meterread-worker/internal/queue"
	"github.com/adverant/nexus/meterread-worker/internal/storage"
)

const (
	defaultMaxFileSize = 10 * 1024 * 1024
	multipartOverhead  = 1 << 20
	healthCheckTimeout = 3 * time.Second

	// DeviceHeader identifies the camera on POST /readings.
	DeviceHeader = "X-Device-ID"
)

// Reader is the extraction surface the test endpoints call.
type Reader interface {
	Config() ocr.Config
	ExtractReading(ctx context.Context, imagePath string, strategy ocr.StrategyID) ocr.OCRResult
	ProcessWithFallback(ctx context.Context, imagePath string, primary ocr.StrategyID, threshold float64) ocr.OCRResult
	BenchmarkStrategies(ctx context.Context, imagePath string) ocr.BenchmarkReport
}

// Enqueuer accepts upload jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload *queue.JobPayload) (string, error)
}

// HealthCheck returns nil when the dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server routes HTTP requests.
type Server struct {
	router      *mux.Router
	reader      Reader
	enqueuer    Enqueuer
	gatherer    prometheus.Gatherer
	checks      map[string]HealthCheck
	maxFileSize int64
	logger      *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithEnqueuer enables POST /readings.
func WithEnqueuer(e Enqueuer) Option {
	return func(s *Server) { s.enqueuer = e }
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMaxFileSize caps uploaded images.
func WithMaxFileSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// New creates a server around reader.
func New(reader Reader, opts ...Option) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		reader:      reader,
		gatherer:    prometheus.DefaultGatherer,
		checks:      make(map[string]HealthCheck),
		maxFileSize: defaultMaxFileSize,
		logger:      logging.NewLogger("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.HandleFunc("/ocr/strategies", s.handleStrategies).Methods(http.MethodGet)
	s.router.HandleFunc("/ocr/test", s.handleTest).Methods(http.MethodPost)
	s.router.HandleFunc("/ocr/benchmark", s.handleBenchmark).Methods(http.MethodPost)

	if s.enqueuer != nil {
		s.router.HandleFunc("/readings", s.handleUpload).Methods(http.MethodPost)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	s.writeJSON(w, status, body)
}

type strategyInfo struct {
	ID          ocr.StrategyID `json:"id"`
	Description string         `json:"description"`
}

var strategyDescriptions = map[ocr.StrategyID]string{
	ocr.StrategyAuto:         "Detect the meter type and pick a strategy",
	ocr.StrategyBasic:        "Full-frame OCR after contrast and sharpening",
	ocr.StrategyAdvanced:     "OCR on the detected display region",
	ocr.StrategySevenSegment: "Segment pattern classification of LED/LCD digits",
	ocr.StrategySimple:       "Several preprocessing variants, most confident wins",
	ocr.StrategyTemplate:     "Digit template matching on a cropped display",
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	cfg := s.reader.Config()
	ids := append([]ocr.StrategyID{ocr.StrategyAuto}, ocr.ConcreteStrategies...)
	list := make([]strategyInfo, 0, len(ids))
	for _, id := range ids {
		list = append(list, strategyInfo{ID: id, Description: strategyDescriptions[id]})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies":           list,
		"default_strategy":     cfg.DefaultStrategy,
		"confidence_threshold": cfg.ConfidenceThreshold,
		"enable_fallback":      cfg.EnableFallback,
		"fallback_order":       cfg.FallbackOrder,
	})
}

// handleTest runs one extraction on the uploaded image and returns the
// OCRResult unchanged. Nothing is persisted.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	cfg := s.reader.Config()
	q := r.URL.Query()

	strategy := cfg.DefaultStrategy
	if v := q.Get("strategy"); v != "" {
		id, err := ocr.ParseStrategyID(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		strategy = id
	}

	fallback := cfg.EnableFallback
	if v := q.Get("fallback"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid fallback %q", v))
			return
		}
		fallback = b
	}

	threshold := cfg.ConfidenceThreshold
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 100 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("threshold must be between 0 and 100, got %q", v))
			return
		}
		threshold = f
	}

	path, cleanup, ok := s.receiveImage(w, r)
	if !ok {
		return
	}
	defer cleanup()

	var result ocr.OCRResult
	if fallback {
		result = s.reader.ProcessWithFallback(r.Context(), path, strategy, threshold)
	} else {
		result = s.reader.ExtractReading(r.Context(), path, strategy)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	path, cleanup, ok := s.receiveImage(w, r)
	if !ok {
		return
	}
	defer cleanup()

	report := s.reader.BenchmarkStrategies(r.Context(), path)
	report.ImagePath = ""
	s.writeJSON(w, http.StatusOK, report)
}

// handleUpload queues a device or manual photo for extraction. The image is
// the multipart field "image" or, for cameras, the raw request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := s.readImage(w, r)
	if !ok {
		return
	}

	deviceID := strings.TrimSpace(r.Header.Get(DeviceHeader))
	source := storage.SourceDevice
	if deviceID == "" {
		source = storage.SourceManual
	}

	payload := &queue.JobPayload{
		JobID:      uuid.New().String(),
		DeviceID:   deviceID,
		Source:     source,
		Filename:   filename,
		MimeType:   http.DetectContentType(data),
		FileSize:   int64(len(data)),
		FileBuffer: data,
		CapturedAt: time.Now().UTC(),
	}

	jobID, err := s.enqueuer.Enqueue(r.Context(), queue.TaskExtract, payload)
	if err != nil {
		s.logger.Error("Failed to enqueue reading", "device_id", deviceID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to queue image")
		return
	}

	s.logger.Info("Reading queued", "job_id", jobID, "device_id", deviceID, "size", len(data))
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  jobID,
		"status": "queued",
	})
}

// receiveImage stores the uploaded image in a temporary file.
func (s *Server) receiveImage(w http.ResponseWriter, r *http.Request) (string, func(), bool) {
	data, filename, ok := s.readImage(w, r)
	if !ok {
		return "", nil, false
	}

	f, err := os.CreateTemp("", "meterread-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return "", nil, false
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return "", nil, false
	}
	if err := f.Close(); err != nil {
		cleanup()
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return "", nil, false
	}
	return f.Name(), cleanup, true
}

// readImage reads the multipart "image" field, or the whole body when the
// request is not multipart, enforcing the size cap.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize+multipartOverhead)

	var (
		src      io.Reader = r.Body
		filename           = "upload.jpg"
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
			return nil, "", false
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "missing image field")
			return nil, "", false
		}
		defer file.Close()
		src = file
		filename = header.Filename
	}

	data, err := io.ReadAll(io.LimitReader(src, s.maxFileSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read image: %v", err))
		return nil, "", false
	}
	if int64(len(data)) > s.maxFileSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", s.maxFileSize))
		return nil, "", false
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty image")
		return nil, "", false
	}
	return data, filename, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
