package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// loadDotEnv reads .env files from the working directory and the config
// directory. Variables already present in the environment win.
func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if err := godotenv.Load(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSeparator()
	c.normalizeStorage()
	c.normalizeServer()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if value, ok := os.LookupEnv("ANNIHILATOR_API_BIND"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIBind = value
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeSeparator() {
	c.Separator.Binary = strings.TrimSpace(c.Separator.Binary)
	if c.Separator.Binary == "" {
		c.Separator.Binary = defaultSeparatorBinary
	}
	c.Separator.Model = strings.TrimSpace(c.Separator.Model)
	if c.Separator.Model == "" {
		c.Separator.Model = defaultSeparatorModel
	}
	c.Separator.Codec = strings.ToLower(strings.TrimSpace(c.Separator.Codec))
	if c.Separator.Codec == "" {
		c.Separator.Codec = defaultSeparatorCodec
	}
	c.Separator.Bitrate = strings.TrimSpace(c.Separator.Bitrate)
	if c.Separator.Bitrate == "" {
		c.Separator.Bitrate = defaultSeparatorBitrate
	}
}

func (c *Config) normalizeStorage() {
	envFallback(&c.Storage.Endpoint, "S3_ENDPOINT_URL")
	envFallback(&c.Storage.AccessKey, "S3_ACCESS_KEY")
	envFallback(&c.Storage.SecretKey, "S3_SECRET_KEY")
	envFallback(&c.Storage.Region, "S3_REGION")
	envFallback(&c.Storage.Bucket, "S3_BUCKET")

	c.Storage.Endpoint = strings.TrimSpace(c.Storage.Endpoint)
	c.Storage.Region = strings.TrimSpace(c.Storage.Region)
	if c.Storage.Region == "" {
		c.Storage.Region = defaultStorageRegion
	}
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = defaultStorageBucket
	}
	c.Storage.KeyPrefix = strings.Trim(strings.TrimSpace(c.Storage.KeyPrefix), "/")
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = defaultStorageKeyPrefix
	}
}

// envFallback fills an empty field from the environment. Values from the
// config file take precedence.
func envFallback(field *string, key string) {
	if strings.TrimSpace(*field) != "" {
		return
	}
	if value, ok := os.LookupEnv(key); ok {
		*field = strings.TrimSpace(value)
	}
}

func (c *Config) normalizeServer() {
	if len(c.Server.AllowOrigins) == 0 {
		c.Server.AllowOrigins = []string{"*"}
	}
	if len(c.Server.AllowMethods) == 0 {
		c.Server.AllowMethods = []string{"*"}
	}
	if len(c.Server.AllowHeaders) == 0 {
		c.Server.AllowHeaders = []string{"*"}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
