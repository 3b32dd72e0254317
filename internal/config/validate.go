package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var bitratePattern = regexp.MustCompile(`^[1-9][0-9]*k$`)

// Validate ensures the configuration is usable.
//
// Storage credentials are not required here; commands that never touch the
// object store still load a valid config. The storage client reports missing
// settings when it is initialized.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSeparator(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind %q: %w", c.Paths.APIBind, err)
	}
	return nil
}

func (c *Config) validateSeparator() error {
	if _, ok := supportedCodecs[c.Separator.Codec]; !ok {
		return fmt.Errorf("separator.codec %q is not supported (expected one of wav, mp3, ogg, m4a, wma, flac)", c.Separator.Codec)
	}
	if !bitratePattern.MatchString(c.Separator.Bitrate) {
		return fmt.Errorf("separator.bitrate %q must look like 192k", c.Separator.Bitrate)
	}
	if strings.ContainsAny(c.Separator.Model, " \t/") {
		return fmt.Errorf("separator.model %q must be a bare model name such as 2stems", c.Separator.Model)
	}
	if c.Separator.TimeoutSeconds < 0 {
		return errors.New("separator.timeout_seconds must be zero or positive")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.MaxUploadMB < 0 {
		return errors.New("server.max_upload_mb must be zero or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
}
