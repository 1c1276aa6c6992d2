package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: 93.456, want: 93.46},
		{in: 87.30000000000001, want: 87.3},
		{in: -5, want: 0},
		{in: 100.4, want: 100},
		{in: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeConfidence(tt.in), "%v", tt.in)
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	raw, err := json.Marshal(map[string]string{"digits": "12\x0034\x01"})
	require.NoError(t, err)

	clean := sanitizeJSONForPostgres(raw)
	assert.NotContains(t, string(clean), `\u0000`)
	assert.NotContains(t, string(clean), `\u0001`)

	var out map[string]string
	require.NoError(t, json.Unmarshal(clean, &out))
	assert.Equal(t, "1234 ", out["digits"])
}

func newArchive(t *testing.T) *ImageArchive {
	t.Helper()
	a, err := NewImageArchive(t.TempDir())
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC) }
	return a
}

func TestImageArchiveLayout(t *testing.T) {
	a := newArchive(t)
	for _, sub := range []string{DirRaw, DirProcessed, DirFailed} {
		info, err := os.Stat(filepath.Join(a.Root(), sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err := NewImageArchive("")
	assert.Error(t, err)
}

func TestImageArchiveSaveRaw(t *testing.T) {
	a := newArchive(t)

	rel, err := a.SaveRaw([]byte("jpeg"), "meter photo.JPG", "esp32-cam/01")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "raw/esp32-cam_01/20240310_083000_"), rel)
	assert.True(t, strings.HasSuffix(rel, "_meter_photo.jpg"), rel)

	data, err := os.ReadFile(a.FullPath(rel))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	manual, err := a.SaveRaw([]byte("png"), "upload.png", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(manual, "raw/manual/"), manual)
	assert.NotEqual(t, rel, manual)
}

func TestImageArchiveProcessedAndFailed(t *testing.T) {
	a := newArchive(t)

	rel, err := a.SaveRaw([]byte("jpeg"), "meter.jpg", "dev1")
	require.NoError(t, err)

	processed, err := a.SaveProcessed(rel, []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "processed/"+strings.TrimSuffix(filepath.Base(rel), ".jpg")+".png", processed)
	assert.FileExists(t, a.FullPath(processed))

	failed, err := a.MoveToFailed(rel)
	require.NoError(t, err)
	assert.Equal(t, "failed/"+filepath.Base(rel), failed)
	assert.FileExists(t, a.FullPath(failed))
	assert.NoFileExists(t, a.FullPath(rel))

	_, err = a.MoveToFailed("raw/dev1/missing.jpg")
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "dev-1_a", safeName("dev-1_a"))
	assert.Equal(t, "___etc_passwd", safeName("../etc/passwd"))
}

// TestPostgresRoundTrip needs a disposable database in TEST_DATABASE_URL.
func TestPostgresRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	sm, err := NewStorageManager(url, t.TempDir())
	require.NoError(t, err)
	defer sm.Close()

	ctx := context.Background()
	device := "test-" + uuid.New().String()[:8]
	earlier := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)

	prev, err := sm.PreviousReading(ctx, device, time.Now())
	require.NoError(t, err)
	assert.Nil(t, prev)

	jobID := uuid.New().String()
	id, err := sm.StoreReading(ctx, &Reading{
		Timestamp:     earlier,
		ReadingKWh:    7783.2,
		PhotoPath:     "raw/" + device + "/a.jpg",
		Source:        SourceDevice,
		DeviceID:      device,
		OCRConfidence: 93.456,
		OCRStrategy:   "template",
	}, &JobUpdate{JobID: jobID, DeviceID: device, Filename: "a.jpg", Confidence: 93.456, StrategyUsed: "template"})
	require.NoError(t, err)
	assert.Positive(t, id)

	prev, err = sm.PreviousReading(ctx, device, time.Now())
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, id, prev.ID)
	assert.InDelta(t, 7783.2, prev.ReadingKWh, 1e-9)
	assert.InDelta(t, 93.46, prev.OCRConfidence, 1e-9)

	job, err := sm.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job["status"])
	assert.Equal(t, id, job["readingId"])

	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{JobID: jobID, Status: JobStatusFailed, ErrorCode: "NO_DIGITS"}))
	job, err = sm.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job["status"])
	assert.Equal(t, "NO_DIGITS", job["errorCode"])
}
