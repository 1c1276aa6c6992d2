/**
 * Storage Manager for the meter reading worker
 *
 * Coordinates the PostgreSQL readings store and the on-disk image archive.
 * A reading and the job row that points at it are written in one transaction.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// StorageManager coordinates PostgreSQL and the image archive
type StorageManager struct {
	postgres *PostgresClient
	archive  *ImageArchive
}

// NewStorageManager creates a new storage manager
func NewStorageManager(postgresURL string, archiveDir string) (*StorageManager, error) {
	archive, err := NewImageArchive(archiveDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image archive: %w", err)
	}

	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	return &StorageManager{
		postgres: postgres,
		archive:  archive,
	}, nil
}

// Archive returns the image archive.
func (sm *StorageManager) Archive() *ImageArchive {
	return sm.archive
}

// StoreReading inserts reading and marks job completed with a reference to
// it, atomically. It returns the new reading id.
func (sm *StorageManager) StoreReading(ctx context.Context, reading *Reading, job *JobUpdate) (int64, error) {
	if reading == nil || job == nil {
		return 0, fmt.Errorf("reading and job are required")
	}

	tx, err := sm.postgres.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertReading(ctx, tx, reading)
	if err != nil {
		return 0, err
	}

	update := *job
	update.ReadingID = id
	if update.Status == "" {
		update.Status = JobStatusCompleted
	}
	if err := upsertJob(ctx, tx, &update); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reading: %w", err)
	}
	return id, nil
}

// PreviousReading returns the latest reading of deviceID before before.
func (sm *StorageManager) PreviousReading(ctx context.Context, deviceID string, before time.Time) (*Reading, error) {
	return sm.postgres.PreviousReading(ctx, deviceID, before)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// Ping checks database connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns connection pool statistics and the archive location
func (sm *StorageManager) GetStats() map[string]interface{} {
	pgStats := sm.postgres.GetStats()

	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
		"archive": map[string]interface{}{
			"root": sm.archive.Root(),
		},
	}
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	if sm.postgres != nil {
		if err := sm.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes Unicode escapes JSONB rejects: \u0000 is
// dropped, other control characters become a space. Recognizer output can
// carry them in raw digit strings.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
