package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
)

// HttpStorage talks to an object store through a pre-authenticated URL prefix,
// objects are put and got under it by name. The server returns the MD5
// of the object in the Opc-Content-Md5 (put) or Content-Md5 (get) header.
type HttpStorage struct {
	accessURL string
	client    *http.Client
}

func NewHttpStorage(accessURL string) (*HttpStorage, error) {
	if accessURL == "" {
		return nil, errors.New("pre-authenticated request was not specified")
	}
	return &HttpStorage{accessURL: accessURL, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (s *HttpStorage) Save(ctx context.Context, name string, data []byte) error {
	return requests.
		URL(s.accessURL+name).
		Client(s.client).
		Method(http.MethodPut).
		BodyBytes(data).
		CheckStatus(http.StatusOK).
		Handle(func(res *http.Response) error {
			return checkSum(data, res.Header.Get("Opc-Content-Md5"))
		}).
		Fetch(ctx)
}

func (s *HttpStorage) Load(ctx context.Context, name string) ([]byte, error) {
	var buf bytes.Buffer
	var sum string
	err := requests.
		URL(s.accessURL+name).
		Client(s.client).
		CheckStatus(http.StatusOK).
		Handle(func(res *http.Response) error {
			sum = res.Header.Get("Content-Md5")
			_, err := buf.ReadFrom(res.Body)
			return err
		}).
		Fetch(ctx)
	if requests.HasStatusErr(err, http.StatusNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err = checkSum(buf.Bytes(), sum); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkSum(data []byte, want string) error {
	sum := md5.Sum(data)
	if got := base64.StdEncoding.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("MD5 mismatch %v != %v", got, want)
	}
	return nil
}
