package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
	"github.com/adverant/nexus/meterread-worker/internal/queue"
)

type call struct {
	method    string
	path      string
	strategy  ocr.StrategyID
	threshold float64
	existed   bool
}

type fakeReader struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeReader) Config() ocr.Config { return ocr.DefaultConfig() }

func (f *fakeReader) record(c call) {
	_, err := os.Stat(c.path)
	c.existed = err == nil
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeReader) ExtractReading(ctx context.Context, path string, strategy ocr.StrategyID) ocr.OCRResult {
	f.record(call{method: "extract", path: path, strategy: strategy})
	v := 7783.2
	return ocr.OCRResult{ReadingKWh: &v, Confidence: 93, StrategyUsed: ocr.StrategyTemplate, Success: true, Attempts: 1}
}

func (f *fakeReader) ProcessWithFallback(ctx context.Context, path string, primary ocr.StrategyID, threshold float64) ocr.OCRResult {
	f.record(call{method: "fallback", path: path, strategy: primary, threshold: threshold})
	return ocr.OCRResult{StrategyUsed: primary, ErrorMessage: "no digits", Attempts: 5}
}

func (f *fakeReader) BenchmarkStrategies(ctx context.Context, path string) ocr.BenchmarkReport {
	f.record(call{method: "benchmark", path: path})
	results := make(map[ocr.StrategyID]ocr.OCRResult)
	for _, id := range ocr.ConcreteStrategies {
		results[id] = ocr.OCRResult{StrategyUsed: id}
	}
	return ocr.BenchmarkReport{ImagePath: path, Results: results}
}

type fakeEnqueuer struct {
	payloads []*queue.JobPayload
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskType string, p *queue.JobPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, p)
	return p.JobID, nil
}

func multipartImage(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func newTestServer(reader Reader, opts ...Option) *Server {
	opts = append([]Option{WithLogger(logging.Nop()), WithGatherer(prometheus.NewRegistry())}, opts...)
	return New(reader, opts...)
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeReader{}, WithHealthCheck("postgres", func(context.Context) error { return nil }))
	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)

	s = newTestServer(&fakeReader{}, WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }))
	rec = do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ocr.NewPrometheusCollector("meterread", reg).RecordAttempt(ocr.StrategyBasic, true, 0)

	s := New(&fakeReader{}, WithLogger(logging.Nop()), WithGatherer(reg))
	rec := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meterread_")
}

func TestStrategies(t *testing.T) {
	rec := do(newTestServer(&fakeReader{}), httptest.NewRequest(http.MethodGet, "/ocr/strategies", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strategies []strategyInfo `json:"strategies"`
		Default    string         `json:"default_strategy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Strategies, len(ocr.ConcreteStrategies)+1)
	assert.Equal(t, "auto", body.Default)
	for _, s := range body.Strategies {
		assert.NotEmpty(t, s.Description, s.ID)
	}
}

func TestOCRTestSingleStrategy(t *testing.T) {
	reader := &fakeReader{}
	s := newTestServer(reader)

	body, ct := multipartImage(t, "image", "meter.PNG", []byte("png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/test?strategy=template&fallback=false", body)
	req.Header.Set("Content-Type", ct)
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ocr.OCRResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	require.NotNil(t, result.ReadingKWh)
	assert.InDelta(t, 7783.2, *result.ReadingKWh, 1e-9)

	require.Len(t, reader.calls, 1)
	c := reader.calls[0]
	assert.Equal(t, "extract", c.method)
	assert.Equal(t, ocr.StrategyTemplate, c.strategy)
	assert.True(t, c.existed)
	assert.Contains(t, c.path, ".png")

	_, err := os.Stat(c.path)
	assert.True(t, os.IsNotExist(err), "temp file must be removed")
}

func TestOCRTestFallbackDefaults(t *testing.T) {
	reader := &fakeReader{}
	s := newTestServer(reader)

	body, ct := multipartImage(t, "image", "meter.jpg", []byte("jpeg bytes"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/test?threshold=95", body)
	req.Header.Set("Content-Type", ct)
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, reader.calls, 1)
	assert.Equal(t, "fallback", reader.calls[0].method)
	assert.Equal(t, ocr.StrategyAuto, reader.calls[0].strategy)
	assert.Equal(t, 95.0, reader.calls[0].threshold)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestOCRTestRejectsBadParams(t *testing.T) {
	cases := map[string]string{
		"strategy":  "/ocr/test?strategy=magic",
		"fallback":  "/ocr/test?fallback=maybe",
		"threshold": "/ocr/test?threshold=150",
	}
	for name, url := range cases {
		t.Run(name, func(t *testing.T) {
			reader := &fakeReader{}
			body, ct := multipartImage(t, "image", "m.jpg", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, url, body)
			req.Header.Set("Content-Type", ct)
			rec := do(newTestServer(reader), req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, reader.calls)
		})
	}
}

func TestOCRTestMissingImage(t *testing.T) {
	body, ct := multipartImage(t, "photo", "m.jpg", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/test", body)
	req.Header.Set("Content-Type", ct)
	rec := do(newTestServer(&fakeReader{}), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing image")
}

func TestOCRTestTooLarge(t *testing.T) {
	body, ct := multipartImage(t, "image", "m.jpg", bytes.Repeat([]byte{1}, 64))
	req := httptest.NewRequest(http.MethodPost, "/ocr/test", body)
	req.Header.Set("Content-Type", ct)
	rec := do(newTestServer(&fakeReader{}, WithMaxFileSize(16)), req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBenchmarkHidesTempPath(t *testing.T) {
	reader := &fakeReader{}
	body, ct := multipartImage(t, "image", "m.jpg", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/benchmark", body)
	req.Header.Set("Content-Type", ct)
	rec := do(newTestServer(reader), req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report ocr.BenchmarkReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Empty(t, report.ImagePath)
	assert.Len(t, report.Results, len(ocr.ConcreteStrategies))
	assert.Nil(t, report.BestStrategy)
}

func TestUploadQueuesDeviceReading(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newTestServer(&fakeReader{}, WithEnqueuer(enq))

	req := httptest.NewRequest(http.MethodPost, "/readings", bytes.NewReader([]byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2}))
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set(DeviceHeader, "esp32-cam-01")
	rec := do(s, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, enq.payloads, 1)
	p := enq.payloads[0]
	assert.Equal(t, "esp32-cam-01", p.DeviceID)
	assert.Equal(t, "device", p.Source)
	assert.Equal(t, "image/jpeg", p.MimeType)
	assert.Equal(t, int64(6), p.FileSize)
	assert.Contains(t, rec.Body.String(), p.JobID)
}

func TestUploadManualMultipart(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newTestServer(&fakeReader{}, WithEnqueuer(enq))

	body, ct := multipartImage(t, "image", "kitchen.jpg", []byte("jpeg"))
	req := httptest.NewRequest(http.MethodPost, "/readings", body)
	req.Header.Set("Content-Type", ct)
	rec := do(s, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, enq.payloads, 1)
	assert.Equal(t, "manual", enq.payloads[0].Source)
	assert.Equal(t, "kitchen.jpg", enq.payloads[0].Filename)
}

func TestUploadQueueFailure(t *testing.T) {
	s := newTestServer(&fakeReader{}, WithEnqueuer(&fakeEnqueuer{err: errors.New("redis down")}))
	req := httptest.NewRequest(http.MethodPost, "/readings", bytes.NewReader([]byte("x")))
	rec := do(s, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUploadDisabledWithoutQueue(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/readings", bytes.NewReader([]byte("x")))
	rec := do(newTestServer(&fakeReader{}), req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
