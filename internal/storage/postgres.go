/**
 * PostgreSQL Client for the meter reading worker
 *
 * Handles meter readings, extraction job status and previous-reading lookups.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"
)

// Reading sources.
const (
	SourceDevice = "device"
	SourceManual = "manual"
)

// Job statuses written to extraction_jobs.
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusRejected   = "rejected"
)

// Schema creates the tables the worker writes to.
const Schema = `
CREATE SCHEMA IF NOT EXISTS meterread;

CREATE TABLE IF NOT EXISTS meterread.meter_readings (
	id                   BIGSERIAL PRIMARY KEY,
	timestamp            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	reading_kwh          DOUBLE PRECISION NOT NULL,
	photo_path           TEXT NOT NULL,
	processed_photo_path TEXT,
	source               TEXT NOT NULL CHECK (source IN ('device', 'manual')),
	device_id            TEXT,
	ocr_confidence       NUMERIC(5,2),
	ocr_strategy         TEXT,
	manual_override      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS meter_readings_device_ts
	ON meterread.meter_readings (device_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS meterread.extraction_jobs (
	id                 UUID PRIMARY KEY,
	device_id          TEXT,
	filename           TEXT NOT NULL,
	mime_type          TEXT,
	file_size          BIGINT,
	status             TEXT NOT NULL,
	confidence         NUMERIC(5,2),
	processing_time_ms BIGINT,
	strategy_used      TEXT,
	reading_id         BIGINT REFERENCES meterread.meter_readings (id),
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Reading is one row of meter_readings.
type Reading struct {
	ID                 int64
	Timestamp          time.Time
	ReadingKWh         float64
	PhotoPath          string
	ProcessedPhotoPath string
	Source             string
	DeviceID           string
	OCRConfidence      float64
	OCRStrategy        string
	ManualOverride     bool
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	DeviceID         string
	Filename         string
	MimeType         string
	FileSize         int64
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	StrategyUsed     string
	ReadingID        int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// sanitizeConfidence clamps an OCR confidence to [0, 100] and rounds it to
// two decimals so it fits NUMERIC(5,2).
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the worker tables when they are missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertReading stores a reading and returns its id.
func (p *PostgresClient) InsertReading(ctx context.Context, r *Reading) (int64, error) {
	return insertReading(ctx, p.db, r)
}

func insertReading(ctx context.Context, q execer, r *Reading) (int64, error) {
	if r.PhotoPath == "" {
		return 0, fmt.Errorf("photo path is required")
	}
	if r.Source != SourceDevice && r.Source != SourceManual {
		return 0, fmt.Errorf("invalid source %q", r.Source)
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO meterread.meter_readings (
			timestamp, reading_kwh, photo_path, processed_photo_path,
			source, device_id, ocr_confidence, ocr_strategy, manual_override
		) VALUES (
			$1, $2, $3, NULLIF($4, ''),
			$5, NULLIF($6, ''), $7::NUMERIC(5,2), NULLIF($8, ''), $9
		)
		RETURNING id
	`

	var id int64
	err := q.QueryRowContext(ctx, query,
		ts, r.ReadingKWh, r.PhotoPath, r.ProcessedPhotoPath,
		r.Source, r.DeviceID, sanitizeConfidence(r.OCRConfidence), r.OCRStrategy, r.ManualOverride,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}
	return id, nil
}

// PreviousReading returns the latest reading of deviceID taken before
// before, or nil when the device has none.
func (p *PostgresClient) PreviousReading(ctx context.Context, deviceID string, before time.Time) (*Reading, error) {
	if deviceID == "" {
		return nil, nil
	}

	query := `
		SELECT id, timestamp, reading_kwh, photo_path,
			COALESCE(processed_photo_path, ''), source, COALESCE(device_id, ''),
			COALESCE(ocr_confidence, 0)::DOUBLE PRECISION, COALESCE(ocr_strategy, ''), manual_override
		FROM meterread.meter_readings
		WHERE device_id = $1 AND timestamp < $2
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var r Reading
	err := p.db.QueryRowContext(ctx, query, deviceID, before).Scan(
		&r.ID, &r.Timestamp, &r.ReadingKWh, &r.PhotoPath,
		&r.ProcessedPhotoPath, &r.Source, &r.DeviceID,
		&r.OCRConfidence, &r.OCRStrategy, &r.ManualOverride,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous reading: %w", err)
	}
	return &r, nil
}

// UpdateJobStatus updates job status in the database
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return upsertJob(ctx, p.db, update)
}

func upsertJob(ctx context.Context, q execer, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	// UPSERT so the worker can create the row if the producer did not.
	query := `
		INSERT INTO meterread.extraction_jobs (
			id, device_id, filename, mime_type, file_size,
			status, confidence, processing_time_ms, strategy_used, reading_id,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), COALESCE(NULLIF($3, ''), 'unknown.jpg'),
			NULLIF($4, ''), NULLIF($5, 0),
			$6, NULLIF($7::NUMERIC(5,2), 0), NULLIF($8, 0), NULLIF($9, ''), NULLIF($10, 0),
			NULLIF($11, ''), NULLIF($12, ''),
			COALESCE($13::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, meterread.extraction_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, meterread.extraction_jobs.processing_time_ms),
			strategy_used = COALESCE(EXCLUDED.strategy_used, meterread.extraction_jobs.strategy_used),
			reading_id = COALESCE(EXCLUDED.reading_id, meterread.extraction_jobs.reading_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = meterread.extraction_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = q.ExecContext(ctx, query,
		update.JobID,
		update.DeviceID,
		update.Filename,
		update.MimeType,
		update.FileSize,
		update.Status,
		sanitizeConfidence(update.Confidence),
		update.ProcessingTimeMs,
		update.StrategyUsed,
		update.ReadingID,
		update.ErrorCode,
		update.ErrorMessage,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, device_id, filename, status, confidence::DOUBLE PRECISION,
			processing_time_ms, strategy_used, reading_id,
			error_code, error_message, metadata, created_at, updated_at
		FROM meterread.extraction_jobs
		WHERE id = $1::uuid
	`

	var (
		id, filename, status        string
		deviceID, strategyUsed      sql.NullString
		errorCode, errorMessage     sql.NullString
		confidence                  sql.NullFloat64
		processingTimeMs, readingID sql.NullInt64
		metadataJSON                []byte
		createdAt, updatedAt        time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &deviceID, &filename, &status, &confidence,
		&processingTimeMs, &strategyUsed, &readingID,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"filename":  filename,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if deviceID.Valid {
		result["deviceId"] = deviceID.String
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if strategyUsed.Valid {
		result["strategyUsed"] = strategyUsed.String
	}
	if readingID.Valid {
		result["readingId"] = readingID.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
