package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"annihilator/internal/logging"
)

// Uploader pushes local files into the object store.
type Uploader struct {
	client *Client
	logger *slog.Logger
}

// NewUploader binds an uploader to a storage client.
func NewUploader(client *Client, logger *slog.Logger) *Uploader {
	return &Uploader{client: client, logger: logging.NewComponentLogger(logger, "uploader")}
}

// UploadOne uploads localPath to remoteKey. Failures are logged and reported
// as false.
func (u *Uploader) UploadOne(ctx context.Context, localPath, remoteKey string) bool {
	logger := logging.WithContext(ctx, u.logger)
	logger.Info("uploading file", logging.String("local_path", localPath), logging.String("key", remoteKey))
	api, err := u.client.GetClient()
	if err != nil {
		logging.ErrorWithContext(logger, "storage unavailable for upload", "upload_failed",
			logging.String("key", remoteKey), logging.Error(err))
		return false
	}
	if err := api.PutFile(ctx, u.client.Bucket(), remoteKey, localPath, ContentTypeFor(localPath)); err != nil {
		logging.ErrorWithContext(logger, "upload failed", "upload_failed",
			logging.String("key", remoteKey), logging.Error(err),
			logging.String(logging.FieldErrorHint, "check bucket permissions and connectivity"))
		return false
	}
	logger.Info("upload complete", logging.String("key", remoteKey))
	return true
}

// UploadMany uploads every file to remotePrefix/<file name> in name order and
// stops at the first failure, returning the name that failed. Already uploaded
// objects are left in place.
func (u *Uploader) UploadMany(ctx context.Context, files map[string]string, remotePrefix string) (string, bool) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	prefix := strings.TrimSuffix(remotePrefix, "/")
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return name, false
		}
		if err := validateSegment("file name", name); err != nil {
			logging.ErrorWithContext(logging.WithContext(ctx, u.logger), "refusing upload", "upload_failed",
				logging.String("name", name), logging.Error(err))
			return name, false
		}
		key := name
		if prefix != "" {
			key = prefix + "/" + name
		}
		if !u.UploadOne(ctx, files[name], key) {
			return name, false
		}
	}
	return "", true
}

// FileName returns the name a stem is stored under: the stem plus the
// extension of its local file.
func FileName(stem, localPath string) string {
	return stem + filepath.Ext(localPath)
}
