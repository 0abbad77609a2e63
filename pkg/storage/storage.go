// Package storage keeps the finished recordings.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
)

var ErrNotFound = errors.New("no such blob")

// Storage is a flat blob store.
type Storage interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

// Sink kinds.
const (
	KindNone = "none"
	KindFile = "file"
	KindGcs  = "gcs"
	KindHttp = "http"
)

// Config selects a sink. Dir is for files, Bucket for GCS and URL for
// the pre-authenticated HTTP object store.
type Config struct {
	Kind   string
	Dir    string
	Bucket string
	URL    string
}

func New(ctx context.Context, conf Config) (Storage, error) {
	switch strings.ToLower(conf.Kind) {
	case "", KindNone:
		return NewNoopStorage(), nil
	case KindFile:
		return NewFileStorage(conf.Dir)
	case KindGcs:
		return NewGoogleCloudClient(ctx, conf.Bucket)
	case KindHttp:
		return NewHttpStorage(conf.URL)
	}
	return nil, fmt.Errorf("unknown storage %q", conf.Kind)
}

// NewName makes a unique blob name for a recorded stream.
func NewName(stream, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s-%s%s", stream, uuid.Must(uuid.NewV4()), ext)
}
