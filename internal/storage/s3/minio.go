package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dbtgen/dbtgen/internal/storage"
)

type minioBucket struct {
	api  *minio.Client
	name string
}

func dialMinio(cfg Config) (*minioBucket, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	api, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("dial s3 endpoint %q: %w", host, err)
	}
	return &minioBucket{api: api, name: strings.TrimSpace(cfg.Bucket)}, nil
}

// splitEndpoint accepts either a bare host[:port] or a URL. An https URL
// forces TLS regardless of useSSL.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		if raw == "" {
			return "", false, fmt.Errorf("s3 endpoint is required")
		}
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("s3 endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("s3 endpoint %q has no host", raw)
	}
	return u.Host, useSSL || u.Scheme == "https", nil
}

func (b *minioBucket) Name() string { return b.name }

func (b *minioBucket) Upload(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	out, err := b.api.PutObject(ctx, b.name, key, body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, translate(err)
	}
	return storage.ObjectInfo{
		Key:          out.Key,
		Size:         out.Size,
		ETag:         out.ETag,
		ContentType:  opts.ContentType,
		LastModified: out.LastModified,
		Metadata:     opts.Metadata,
	}, nil
}

// Open stats the object before handing it back so a missing key fails here
// rather than on the first Read.
func (b *minioBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.api.GetObject(ctx, b.name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translate(err)
	}
	return obj, nil
}

func (b *minioBucket) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	st, err := b.api.StatObject(ctx, b.name, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translate(err)
	}
	return storage.ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		ETag:         st.ETag,
		ContentType:  st.ContentType,
		LastModified: st.LastModified,
		Metadata:     st.UserMetadata,
	}, nil
}

func (b *minioBucket) Remove(ctx context.Context, key string) error {
	return translate(b.api.RemoveObject(ctx, b.name, key, minio.RemoveObjectOptions{}))
}

func (b *minioBucket) Exists(ctx context.Context) (bool, error) {
	ok, err := b.api.BucketExists(ctx, b.name)
	return ok, translate(err)
}

func (b *minioBucket) Create(ctx context.Context, region string) error {
	return translate(b.api.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: region}))
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return storage.ErrObjectNotFound
	}
	return err
}
