package tesseract

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/recognition"
)

func TestAvailableMissingBinary(t *testing.T) {
	e := NewEngine(Config{TesseractPath: filepath.Join(t.TempDir(), "no-such-tesseract")})

	err := e.Available()
	require.Error(t, err)
	assert.Equal(t, errors.ErrorEngineUnavailable, errors.CodeOf(err))

	_, err = e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)), recognition.RecognizeOptions{})
	assert.Equal(t, errors.ErrorEngineUnavailable, errors.CodeOf(err))
}

func TestRecognizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(Config{}).Recognize(ctx, image.NewGray(image.Rect(0, 0, 4, 4)), recognition.RecognizeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecognizeBlankImage(t *testing.T) {
	if os.Getenv("TESSERACT_INTEGRATION") == "" {
		t.Skip("set TESSERACT_INTEGRATION=1 to run against libtesseract")
	}

	img := image.NewGray(image.Rect(0, 0, 200, 60))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(0, 0, color.Gray{Y: 254})

	res, err := NewEngine(Config{}).Recognize(context.Background(), img, recognition.RecognizeOptions{
		PageSegMode: recognition.PSMSingleLine,
		Whitelist:   recognition.DigitWhitelist,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Symbols)
}
