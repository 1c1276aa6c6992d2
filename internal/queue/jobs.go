package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
	"github.com/adverant/nexus/meterread-worker/internal/processor"
	"github.com/adverant/nexus/meterread-worker/internal/storage"
)

// Task types. The Redis LIST protocol carries the short form in RedisJobData.Type.
const (
	TaskExtract   = "meter:extract"
	TaskBenchmark = "meter:benchmark"

	defaultTimeout = 5 * time.Minute
)

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	DeviceID   string                 `json:"deviceId,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"-"` // set by UnmarshalJSON
	CapturedAt time.Time              `json:"capturedAt,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer either as a base64 string or as a
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Alias drops the method set to avoid recursion
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes fileBuffer as base64 so payloads round-trip.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{
		FileBuffer: base64.StdEncoding.EncodeToString(p.FileBuffer),
		Alias:      Alias(p),
	})
}

func (p *JobPayload) request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		DeviceID:   p.DeviceID,
		Source:     p.Source,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Timestamp:  p.CapturedAt,
		Metadata:   p.Metadata,
	}
}

// jobRunner holds the job lifecycle shared by both consumers.
type jobRunner struct {
	processor processor.ReadingProcessorInterface
	timeout   time.Duration
	logger    *logging.Logger
}

func newJobRunner(p processor.ReadingProcessorInterface, timeoutMs int64, logger *logging.Logger) *jobRunner {
	timeout := defaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &jobRunner{processor: p, timeout: timeout, logger: logger}
}

// start records the job as processing. Failure to do so is logged only.
func (r *jobRunner) start(ctx context.Context, p *JobPayload) {
	if err := r.processor.UpdateJobStatus(ctx, p.JobID, storage.JobStatusProcessing, map[string]interface{}{
		"deviceId": p.DeviceID,
		"filename": p.Filename,
		"mimeType": p.MimeType,
		"fileSize": p.FileSize,
	}); err != nil {
		r.logger.Warn("Failed to update status to processing", "job_id", p.JobID, "error", err)
	}
}

// run executes one job under the processing timeout. Extract jobs store their
// own completion; benchmark reports are attached to the job row.
func (r *jobRunner) run(ctx context.Context, taskType string, p *JobPayload) (interface{}, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("job payload has no jobId")
	}

	startTime := time.Now()
	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch taskType {
	case TaskExtract:
		result, err = r.processor.ProcessReading(processCtx, p.request())
	case TaskBenchmark:
		var report *ocr.BenchmarkReport
		report, err = r.processor.Benchmark(processCtx, p.request())
		if err == nil {
			result = report
			if updateErr := r.processor.UpdateJobStatus(ctx, p.JobID, storage.JobStatusCompleted, map[string]interface{}{
				"benchmark":      report,
				"processingTime": time.Since(startTime).Milliseconds(),
			}); updateErr != nil {
				r.logger.Warn("Failed to store benchmark report", "job_id", p.JobID, "error", updateErr)
			}
		}
	default:
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}

	duration := time.Since(startTime)
	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			err = errors.NewProcessingTimeoutError(p.JobID, r.timeout, err)
		}
		r.logger.Warn("Job failed", "job_id", p.JobID, "task", taskType, "duration", duration, "error", err)
		return nil, err
	}

	r.logger.Info("Job completed", "job_id", p.JobID, "task", taskType, "duration", duration)
	return result, nil
}

// fail records the final failure of a job.
func (r *jobRunner) fail(ctx context.Context, jobID string, err error, attempts int) {
	status := storage.JobStatusFailed
	if errors.CodeOf(err) == errors.ErrorReadingRejected {
		status = storage.JobStatusRejected
	}

	metadata := failureMetadata(err)
	metadata["attempts"] = attempts

	if updateErr := r.processor.UpdateJobStatus(ctx, jobID, status, metadata); updateErr != nil {
		r.logger.Warn("Failed to update status", "job_id", jobID, "status", status, "error", updateErr)
	}
}

func failureMetadata(err error) map[string]interface{} {
	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) {
		return pe.ToMap()
	}
	return map[string]interface{}{"error": err.Error()}
}
