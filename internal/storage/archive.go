package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Archive sub-directories.
const (
	DirRaw       = "raw"
	DirProcessed = "processed"
	DirFailed    = "failed"
)

// ImageArchive keeps meter photos on the local filesystem under
// raw/<device>/, processed/ and failed/. Paths handed out are relative to the
// archive root.
type ImageArchive struct {
	root string
	now  func() time.Time
}

// NewImageArchive creates the archive directories below root.
func NewImageArchive(root string) (*ImageArchive, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	for _, sub := range []string{DirRaw, DirProcessed, DirFailed} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", sub, err)
		}
	}
	return &ImageArchive{root: root, now: time.Now}, nil
}

// Root is the archive directory.
func (a *ImageArchive) Root() string { return a.root }

// FullPath resolves a relative archive path.
func (a *ImageArchive) FullPath(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

// SaveRaw stores an uploaded photo below raw/<deviceID>, or raw/manual when
// deviceID is empty, and returns its relative path.
func (a *ImageArchive) SaveRaw(data []byte, filename, deviceID string) (string, error) {
	dir := "manual"
	if deviceID != "" {
		dir = safeName(deviceID)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	name := safeName(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	if name == "" {
		name = "meter"
	}
	stamped := fmt.Sprintf("%s_%s_%s%s", a.now().UTC().Format("20060102_150405"), uuid.New().String()[:8], name, ext)

	rel := DirRaw + "/" + dir + "/" + stamped
	if err := a.write(rel, data); err != nil {
		return "", err
	}
	return rel, nil
}

// SaveProcessed stores the preprocessed rendition of the raw photo at rawRel.
func (a *ImageArchive) SaveProcessed(rawRel string, png []byte) (string, error) {
	base := strings.TrimSuffix(filepath.Base(rawRel), filepath.Ext(rawRel))
	rel := DirProcessed + "/" + base + ".png"
	if err := a.write(rel, png); err != nil {
		return "", err
	}
	return rel, nil
}

// MoveToFailed moves the photo at rel into failed/ and returns its new path.
func (a *ImageArchive) MoveToFailed(rel string) (string, error) {
	dest := DirFailed + "/" + filepath.Base(rel)
	if err := os.Rename(a.FullPath(rel), a.FullPath(dest)); err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", rel, DirFailed, err)
	}
	return dest, nil
}

func (a *ImageArchive) write(rel string, data []byte) error {
	full := a.FullPath(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// safeName keeps letters, digits, dash and underscore.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
