//go:build tesseract

package incident

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

var ErrNoRecognizer = errors.New("no text recognizer")

// Tesseract reads text with the tesseract library. The client is not concurrent.
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewRecognizer(lang string) (TextRecognizer, error) {
	if lang == "" {
		lang = "eng"
	}
	c := gosseract.NewClient()
	if err := c.SetLanguage(lang); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Tesseract{client: c}, nil
}

func (t *Tesseract) Recognize(ctx context.Context, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", err
	}
	return t.client.Text()
}

func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}
