package storage

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"annihilator/internal/logging"
	"annihilator/internal/services"
)

// Object is a stored object opened for streaming. Callers must close Body.
type Object struct {
	Key         string
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// ObjectKey joins a key prefix, job identifier and file name into a storage
// key. Each segment must be a single non-traversing path element.
func ObjectKey(prefix, jobID, filename string) (string, error) {
	if err := validateSegment("file name", filename); err != nil {
		return "", err
	}
	jobPrefix, err := JobPrefix(prefix, jobID)
	if err != nil {
		return "", err
	}
	return jobPrefix + "/" + filename, nil
}

// JobPrefix returns "<prefix>/<job id>", the key prefix every stem of a job
// is stored under.
func JobPrefix(prefix, jobID string) (string, error) {
	if err := validateSegment("job id", jobID); err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return jobID, nil
	}
	for _, part := range strings.Split(prefix, "/") {
		if err := validateSegment("key prefix", part); err != nil {
			return "", err
		}
	}
	return prefix + "/" + jobID, nil
}

func validateSegment(name, value string) error {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return services.Wrap(services.ErrValidation, stageStorage, "key", name+" is empty", nil)
	case trimmed != value:
		return services.Wrap(services.ErrValidation, stageStorage, "key", name+" has surrounding whitespace", nil)
	case value == "." || value == "..":
		return services.Wrap(services.ErrValidation, stageStorage, "key", name+" is not a valid path element", nil)
	case strings.ContainsAny(value, `/\`):
		return services.Wrap(services.ErrValidation, stageStorage, "key", name+" must not contain path separators", nil)
	}
	return nil
}

// Fetch opens the object stored under key. Missing keys yield ErrNotFound;
// other failures yield ErrStorage.
func (c *Client) Fetch(ctx context.Context, key string) (*Object, error) {
	api, err := c.GetClient()
	if err != nil {
		return nil, err
	}
	body, info, err := api.Get(ctx, c.Bucket(), key)
	if err != nil {
		if isNotFound(err) {
			c.logger.Info("object not found", logging.String("key", key))
			return nil, services.Wrap(services.ErrNotFound, stageStorage, "fetch", key, err)
		}
		c.logger.Error("object fetch failed", logging.String("key", key), logging.Error(err))
		return nil, services.Wrap(services.ErrStorage, stageStorage, "fetch", key, err)
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	return &Object{Key: key, Body: body, ContentType: contentType, Size: info.Size}, nil
}

// DefaultPresignExpiry is the URL lifetime used when none is requested.
const DefaultPresignExpiry = time.Hour

// PresignURL returns a time-limited download URL for key.
func (c *Client) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	api, err := c.GetClient()
	if err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	u, err := api.PresignGet(ctx, c.Bucket(), key, expiry)
	if err != nil {
		return "", services.Wrap(services.ErrStorage, stageStorage, "presign", key, err)
	}
	return u, nil
}

func isNotFound(err error) bool {
	resp, ok := errorResponse(err)
	if !ok {
		return false
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".wma":  "audio/x-ms-wma",
	".flac": "audio/flac",
}

// ContentTypeFor maps a file name to the MIME type of its codec.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
