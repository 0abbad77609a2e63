package incident

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/examwatch/proctor/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/image/draw"
)

// DefaultBlacklist is used when nothing else is configured.
var DefaultBlacklist = []string{"cheat", "answer", "google", "chatgpt", "stack overflow"}

// ErrNoFrame means there is nothing to look at, e.g. the screen is not shared.
var ErrNoFrame = errors.New("no frame")

// FrameSource grabs the current screen frame.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// TextRecognizer reads the text of an image.
type TextRecognizer interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// Blacklist is a set of lowercase phrases that must not be seen on the screen.
type Blacklist struct {
	mu    sync.RWMutex
	words []string
}

func NewBlacklist(words ...string) *Blacklist {
	b := &Blacklist{}
	b.Set(words)
	return b
}

// ParseBlacklist splits a comma or line separated list.
func ParseBlacklist(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" && !strings.HasPrefix(f, "#") {
			out = append(out, f)
		}
	}
	return out
}

func (b *Blacklist) Set(words []string) {
	clean := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			clean = append(clean, w)
		}
	}
	b.mu.Lock()
	b.words = clean
	b.mu.Unlock()
}

func (b *Blacklist) Words() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.words...)
}

// Match returns the first phrase found in the text.
func (b *Blacklist) Match(text string) (string, bool) {
	text = strings.ToLower(text)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, w := range b.words {
		if strings.Contains(text, w) {
			return w, true
		}
	}
	return "", false
}

func (b *Blacklist) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b.Set(ParseBlacklist(string(data)))
	return nil
}

// Watch loads the file and reloads it on every change until the context is done.
// The directory is watched so that editors replacing the file are seen too.
func (b *Blacklist) Watch(ctx context.Context, path string, log *logger.Logger) error {
	if err := b.Load(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	name := filepath.Clean(path)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != name || e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := b.Load(path); err != nil {
					log.Warn().Err(err).Msg("blacklist reload")
					continue
				}
				log.Info().Int("words", len(b.Words())).Msg("blacklist reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("blacklist watch")
			}
		}
	}()
	return nil
}

// Fit scales the image down to fit the box, smaller images are kept as is.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return img
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw, nh := max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// TextDetector looks for forbidden text on the shared screen (A5).
type TextDetector struct {
	frames    FrameSource
	ocr       TextRecognizer
	blacklist *Blacklist
	maxW      int
	maxH      int
}

func NewTextDetector(frames FrameSource, ocr TextRecognizer, blacklist *Blacklist, maxW, maxH int) *TextDetector {
	if blacklist == nil {
		blacklist = NewBlacklist(DefaultBlacklist...)
	}
	return &TextDetector{frames: frames, ocr: ocr, blacklist: blacklist, maxW: maxW, maxH: maxH}
}

func (t *TextDetector) Name() string { return "text" }

func (t *TextDetector) Evaluate(ctx context.Context) ([]Observation, error) {
	img, err := t.frames.Frame(ctx)
	if errors.Is(err, ErrNoFrame) || (err == nil && img == nil) {
		return []Observation{{Tag: ForbiddenText}}, nil
	}
	if err != nil {
		return nil, err
	}
	text, err := t.ocr.Recognize(ctx, Fit(img, t.maxW, t.maxH))
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	word, found := t.blacklist.Match(text)
	o := Observation{Tag: ForbiddenText, Active: found, Level: S2}
	if found {
		o.Note = fmt.Sprintf("forbidden text on screen: %q", word)
	}
	return []Observation{o}, nil
}
