package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error types for the meter reading worker
 *
 * Strategies report failures with these values; the orchestrator turns them
 * into failed results, the job layer stores them via ToMap.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Extraction errors
	ErrorImageUnreadable    ErrorCode = "IMAGE_UNREADABLE"
	ErrorUnsupportedFormat  ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorEngineUnavailable  ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorNoDigits           ErrorCode = "NO_DIGITS"
	ErrorDigitCountMismatch ErrorCode = "DIGIT_COUNT_MISMATCH"
	ErrorLowConfidence      ErrorCode = "LOW_CONFIDENCE"
	ErrorStrategyPanic      ErrorCode = "STRATEGY_PANIC"
	ErrorUnknownStrategy    ErrorCode = "UNKNOWN_STRATEGY"

	// Job errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorDownloadFailed    ErrorCode = "DOWNLOAD_FAILED"
	ErrorReadingRejected   ErrorCode = "READING_REJECTED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Retryable reports whether a job failing with err may succeed when run
// again. Extraction and validation failures are deterministic; transport,
// storage and timeout failures are not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrorDownloadFailed, ErrorStorageFailed, ErrorProcessingTimeout, "":
		return err != nil
	default:
		return false
	}
}

// Factory functions for common errors

func NewImageUnreadableError(path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageUnreadable,
		Message:   fmt.Sprintf("Cannot read image %s", path),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"image_path": path,
		},
		Cause: cause,
	}
}

func NewEngineUnavailableError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineUnavailable,
		Message:   fmt.Sprintf("OCR engine %s is unavailable", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewNoDigitsError(strategy string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoDigits,
		Message:   "No digit pattern recognized",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
		},
	}
}

func NewDigitCountError(strategy string, digits string, want int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDigitCountMismatch,
		Message:   fmt.Sprintf("Recognized %d digits (%q), expected %d", len(digits), digits, want),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
			"digits":   digits,
			"expected": want,
		},
	}
}

func NewLowConfidenceError(strategy string, confidence float64) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLowConfidence,
		Message:   fmt.Sprintf("Recognition confidence %.1f is not usable", confidence),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy":   strategy,
			"confidence": confidence,
		},
	}
}

func NewStrategyPanicError(strategy string, recovered interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStrategyPanic,
		Message:   fmt.Sprintf("Strategy %s panicked: %v", strategy, recovered),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
		},
	}
}

func NewUnknownStrategyError(strategy string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnknownStrategy,
		Message:   fmt.Sprintf("Unknown strategy: %s", strategy),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewDownloadFailedError(jobID string, url string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDownloadFailed,
		Message:   "Failed to download image",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

// NewExtractionFailedError reports a job whose every strategy attempt failed.
func NewExtractionFailedError(jobID string, code ErrorCode, message string) *ProcessingError {
	if code == "" {
		code = ErrorNoDigits
	}
	return &ProcessingError{
		Code:      code,
		Message:   message,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewReadingRejectedError(jobID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorReadingRejected,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store reading",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
