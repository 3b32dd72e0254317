package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkDir  string `toml:"work_dir"`
	LogDir   string `toml:"log_dir"`
	StateDir string `toml:"state_dir"`
	APIBind  string `toml:"api_bind"`
}

// Separator contains configuration for the external separation tool.
type Separator struct {
	Binary         string `toml:"binary"`
	Model          string `toml:"model"`
	Codec          string `toml:"codec"`
	Bitrate        string `toml:"bitrate"`
	Verbose        bool   `toml:"verbose"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Storage contains configuration for the S3-compatible object store.
type Storage struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	// UseSSL forces TLS. When unset the endpoint scheme decides.
	UseSSL    *bool  `toml:"use_ssl"`
	KeyPrefix string `toml:"key_prefix"`
}

// Server contains HTTP surface settings.
type Server struct {
	AllowOrigins     []string `toml:"allow_origins"`
	AllowMethods     []string `toml:"allow_methods"`
	AllowHeaders     []string `toml:"allow_headers"`
	AllowCredentials bool     `toml:"allow_credentials"`
	MaxUploadMB      int      `toml:"max_upload_mb"`
}

// History contains configuration for the job ledger.
type History struct {
	Enabled bool `toml:"enabled"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for annihilator.
//
// Configuration sections by subsystem:
//   - Paths: working, log and state directories plus the API bind address
//   - Separator: spleeter binary, model, output codec and bitrate
//   - Storage: S3-compatible endpoint, credentials and bucket
//   - Server: CORS and upload limits
//   - History: SQLite job ledger
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Separator Separator `toml:"separator"`
	Storage   Storage   `toml:"storage"`
	Server    Server    `toml:"server"`
	History   History   `toml:"history"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/annihilator/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if err := loadDotEnv(resolvedPath); err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("annihilator.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SeparatorTimeout returns the upper bound for one separation run.
func (c *Config) SeparatorTimeout() time.Duration {
	if c.Separator.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Separator.TimeoutSeconds) * time.Second
}

// HistoryPath returns the SQLite ledger location.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// LockPath returns the single-instance lock file used by the server.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "annihilator.lock")
}

// MaxUploadBytes converts the configured upload limit to bytes.
func (c *Config) MaxUploadBytes() int64 {
	if c.Server.MaxUploadMB <= 0 {
		return 0
	}
	return int64(c.Server.MaxUploadMB) << 20
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
