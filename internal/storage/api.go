package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	ContentType string
	Size        int64
}

// ObjectAPI is the subset of object store operations annihilator relies on.
type ObjectAPI interface {
	ListBuckets(ctx context.Context) ([]string, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Dialer creates a connection for the provided settings.
type Dialer func(Settings) (ObjectAPI, error)

// DialMinio connects to an S3-compatible endpoint with minio-go.
func DialMinio(settings Settings) (ObjectAPI, error) {
	host, secure, err := splitEndpoint(settings.Endpoint)
	if err != nil {
		return nil, err
	}
	if settings.UseSSL != nil {
		secure = *settings.UseSSL
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(settings.AccessKey, settings.SecretKey, ""),
		Secure: secure,
		Region: settings.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioAPI{client: client}, nil
}

// splitEndpoint accepts "http://host:port", "https://host" or a bare
// "host:port" and reports whether TLS is implied.
func splitEndpoint(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), false, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		return parsed.Host, true, nil
	case "http":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, parsed.Scheme)
	}
}

type minioAPI struct {
	client *minio.Client
}

func (m *minioAPI) ListBuckets(ctx context.Context) ([]string, error) {
	buckets, err := m.client.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(buckets))
	for _, bucket := range buckets {
		names = append(names, bucket.Name)
	}
	return names, nil
}

func (m *minioAPI) MakeBucket(ctx context.Context, bucket, region string) error {
	return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func (m *minioAPI) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	_, err := m.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *minioAPI) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	// GetObject is lazy; Stat surfaces missing keys before any bytes are streamed.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, ObjectInfo{}, err
	}
	return obj, ObjectInfo{ContentType: stat.ContentType, Size: stat.Size}, nil
}

func (m *minioAPI) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
