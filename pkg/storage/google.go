package storage

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
)

type GoogleCloudClient struct {
	bucket *storage.BucketHandle
	client *storage.Client
}

// NewGoogleCloudClient connects to the bucket with the default credentials.
func NewGoogleCloudClient(ctx context.Context, bucket string) (*GoogleCloudClient, error) {
	if bucket == "" {
		return nil, errors.New("no bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleCloudClient{bucket: client.Bucket(bucket), client: client}, nil
}

func (c *GoogleCloudClient) Save(ctx context.Context, name string, data []byte) error {
	wc := c.bucket.Object(name).NewWriter(ctx)
	wc.ContentType = "application/octet-stream"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (c *GoogleCloudClient) Load(ctx context.Context, name string) ([]byte, error) {
	rc, err := c.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (c *GoogleCloudClient) Close() error { return c.client.Close() }
