//go:build !tesseract

package incident

import "errors"

var ErrNoRecognizer = errors.New("text recognition is not built in, use the tesseract build tag")

// NewRecognizer returns the built-in text recognizer.
func NewRecognizer(string) (TextRecognizer, error) { return nil, ErrNoRecognizer }
