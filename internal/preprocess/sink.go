package preprocess

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/adverant/nexus/meterread-worker/internal/logging"
)

// Sink receives intermediate images. Implementations must not fail the caller.
type Sink interface {
	Save(stage string, img image.Image)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(stage string, img image.Image)

// Save calls f.
func (f SinkFunc) Save(stage string, img image.Image) { f(stage, img) }

// DirSink writes every stage as a numbered PNG into its own directory.
// Write failures are logged and ignored.
type DirSink struct {
	dir    string
	logger *logging.Logger

	mu      sync.Mutex
	seq     int
	created bool
}

// NewDirSink returns a sink writing below root/<random id>/.
func NewDirSink(root string, logger *logging.Logger) *DirSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DirSink{
		dir:    filepath.Join(root, uuid.New().String()),
		logger: logger,
	}
}

// Dir is the directory this sink writes into.
func (s *DirSink) Dir() string { return s.dir }

// Save writes img as <seq>_<stage>.png.
func (s *DirSink) Save(stage string, img image.Image) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	if !s.created {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			s.mu.Unlock()
			s.logger.Warn("Debug directory unavailable", "dir", s.dir, "error", err)
			return
		}
		s.created = true
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%03d_%s.png", seq, stage))
	if err := imaging.Save(img, path); err != nil {
		s.logger.Warn("Failed to write debug image", "path", path, "error", err)
	}
}

// Pipeline names the stages of one strategy run and forwards them to a Sink.
// A nil Pipeline or a Pipeline without a sink is a no-op.
type Pipeline struct {
	sink   Sink
	prefix string
}

// Trace starts a pipeline whose stage names carry prefix.
func Trace(sink Sink, prefix string) *Pipeline {
	return &Pipeline{sink: sink, prefix: prefix}
}

// Stage reports img under name and returns it unchanged.
func (p *Pipeline) Stage(name string, img *image.Gray) *image.Gray {
	if p != nil && p.sink != nil && img != nil {
		p.sink.Save(p.prefix+"_"+name, img)
	}
	return img
}
