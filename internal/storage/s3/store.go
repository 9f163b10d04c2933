// Package s3 keeps published artifact archives and their inputs in an
// S3-compatible bucket (AWS S3, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dbtgen/dbtgen/internal/config"
	"github.com/dbtgen/dbtgen/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

func ConfigFromObjectStore(cfg config.ObjectStoreConfig) Config {
	return Config(cfg)
}

// bucket is one bucket's worth of object operations. Keys passed in are
// already rooted under the store prefix.
type bucket interface {
	Name() string
	Upload(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (storage.ObjectInfo, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context, region string) error
}

// Store implements storage.ObjectStore.
type Store struct {
	bucket bucket
	root   string
}

var _ storage.ObjectStore = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	var missing []error
	if strings.TrimSpace(cfg.Endpoint) == "" {
		missing = append(missing, errors.New("s3 endpoint is required"))
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		missing = append(missing, errors.New("s3 bucket is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	b, err := dialMinio(cfg)
	if err != nil {
		return nil, err
	}
	store := newStore(b, cfg.Prefix)
	if !cfg.AutoCreateBucket {
		return store, nil
	}
	if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
		return nil, err
	}
	return store, nil
}

func newStore(b bucket, prefix string) *Store {
	root := path.Clean("/" + strings.TrimSpace(prefix))
	return &Store{bucket: b, root: strings.TrimPrefix(root, "/")}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if opts.ContentType == "" {
		opts.ContentType = contentTypeFor(full)
	}
	info, err := s.bucket.Upload(ctx, full, body, size, opts)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("upload s3://%s/%s: %w", s.bucket.Name(), full, err)
	}
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	body, err := s.bucket.Open(ctx, full)
	if err != nil {
		return nil, s.objectErr("download", full, err)
	}
	return body, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.bucket.Head(ctx, full)
	if err != nil {
		return storage.ObjectInfo{}, s.objectErr("stat", full, err)
	}
	return info, nil
}

// Delete treats an object that is already gone as deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	err = s.bucket.Remove(ctx, full)
	if err == nil || errors.Is(err, storage.ErrObjectNotFound) {
		return nil
	}
	return s.objectErr("remove", full, err)
}

// HealthCheck reports whether the configured bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	ok, err := s.bucket.Exists(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %q: %w", s.bucket.Name(), err)
	case !ok:
		return fmt.Errorf("bucket %q does not exist", s.bucket.Name())
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	ok, err := s.bucket.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket.Name(), err)
	}
	if ok {
		return nil
	}
	if err := s.bucket.Create(ctx, region); err != nil {
		return fmt.Errorf("create bucket %q in %q: %w", s.bucket.Name(), region, err)
	}
	return nil
}

// resolve roots key under the store prefix. Keys that climb out of the prefix
// are rejected.
func (s *Store) resolve(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("object key %q escapes the store prefix", key)
		}
	}
	rel := path.Clean("/" + trimmed)[1:]
	if rel == "" {
		return "", errors.New("object key is required")
	}
	return path.Join(s.root, rel), nil
}

// objectErr keeps ErrObjectNotFound matchable while naming the object.
func (s *Store) objectErr(op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("%s s3://%s/%s: %w", op, s.bucket.Name(), key, storage.ErrObjectNotFound)
	}
	return fmt.Errorf("%s s3://%s/%s: %w", op, s.bucket.Name(), key, err)
}

var contentTypes = map[string]string{
	".zip":     "application/zip",
	".json":    "application/json",
	".parquet": "application/vnd.apache.parquet",
	".csv":     "text/csv; charset=utf-8",
	".sql":     "text/plain; charset=utf-8",
	".yml":     "text/plain; charset=utf-8",
	".yaml":    "text/plain; charset=utf-8",
	".txt":     "text/plain; charset=utf-8",
}

func contentTypeFor(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}
