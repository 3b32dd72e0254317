package storage

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/singleflight"

	"annihilator/internal/config"
	"annihilator/internal/logging"
	"annihilator/internal/services"
)

const stageStorage = "storage"

// Settings carries the connection parameters for the object store.
type Settings struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    *bool
}

// SettingsFromConfig extracts storage settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		return Settings{}
	}
	return Settings{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	}
}

func (s Settings) validate() error {
	var missing []string
	if strings.TrimSpace(s.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(s.AccessKey) == "" {
		missing = append(missing, "access_key")
	}
	if strings.TrimSpace(s.SecretKey) == "" {
		missing = append(missing, "secret_key")
	}
	if strings.TrimSpace(s.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrConfiguration, stageStorage, "initialize",
			"missing storage settings: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides how connections are created.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithLogger attaches a logger to the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "storage")
	}
}

// Client owns the shared object store connection. It starts uninitialized,
// becomes initialized after Initialize succeeds, and is rebuilt from the last
// settings whenever the connection is found degraded.
type Client struct {
	mu       sync.Mutex
	api      ObjectAPI
	settings *Settings
	dial     Dialer
	logger   *slog.Logger
	group    singleflight.Group
}

// NewClient returns an uninitialized client.
func NewClient(opts ...Option) *Client {
	c := &Client{dial: DialMinio, logger: logging.NewComponentLogger(nil, "storage")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize validates settings, connects, and ensures the bucket exists. It
// is a no-op once a connection exists, so racing first callers keep the
// connection the winner built.
func (c *Client) Initialize(ctx context.Context, settings Settings) error {
	if err := settings.validate(); err != nil {
		c.logger.Error("storage settings invalid", logging.Error(err))
		return err
	}
	c.logger.Info("initializing storage client",
		logging.String("endpoint", settings.Endpoint),
		logging.String("region", settings.Region),
		logging.String("bucket", settings.Bucket),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		c.logger.Debug("storage client already initialized")
		return nil
	}

	saved := settings
	c.settings = &saved
	api, err := c.dial(saved)
	if err != nil {
		wrapped := services.Wrap(services.ErrConfiguration, stageStorage, "dial", "create storage connection", err)
		c.logger.Error("storage connection failed", logging.Error(wrapped))
		return wrapped
	}
	if err := c.ensureBucket(ctx, api, saved); err != nil {
		// Leave the client uninitialized so the next caller retries provisioning.
		c.logger.Error("bucket provisioning failed", logging.Error(err))
		return err
	}
	c.api = api
	c.logger.Info("storage client initialized", logging.String("bucket", saved.Bucket))
	return nil
}

func (c *Client) ensureBucket(ctx context.Context, api ObjectAPI, settings Settings) error {
	buckets, err := api.ListBuckets(ctx)
	if err != nil {
		return services.Wrap(services.ErrProvisioning, stageStorage, "list buckets", settings.Bucket, err)
	}
	c.logger.Debug("existing buckets", logging.Strings("buckets", buckets))
	if slices.Contains(buckets, settings.Bucket) {
		return nil
	}
	c.logger.Info("bucket not found, creating", logging.String("bucket", settings.Bucket))
	if err := api.MakeBucket(ctx, settings.Bucket, settings.Region); err != nil {
		return services.Wrap(services.ErrProvisioning, stageStorage, "create bucket", settings.Bucket, err)
	}
	return nil
}

// IsInitialized reports whether a live connection handle exists.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api != nil
}

// Bucket returns the configured bucket name, or "" before Initialize.
func (c *Client) Bucket() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings == nil {
		return ""
	}
	return c.settings.Bucket
}

// GetClient returns the connection, recreating it from the last settings when
// it has been dropped.
func (c *Client) GetClient() (ObjectAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	if c.settings == nil {
		return nil, services.Wrap(services.ErrConfiguration, stageStorage, "get client", "storage client not initialized", nil)
	}
	c.logger.Info("storage connection missing, recreating")
	api, err := c.dial(*c.settings)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, stageStorage, "dial", "recreate storage connection", err)
	}
	c.api = api
	return api, nil
}

// CheckConnection performs a cheap liveness probe. Service and network
// failures report false without an error; anything else is returned.
func (c *Client) CheckConnection(ctx context.Context) (bool, error) {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return false, nil
	}
	if _, err := api.ListBuckets(ctx); err != nil {
		if isConnectivityError(err) {
			c.logger.Warn("storage connection check failed", logging.Error(err))
			return false, nil
		}
		c.logger.Error("unexpected error during storage connection check", logging.Error(err))
		return false, err
	}
	return true, nil
}

// ReconnectIfNeeded probes the connection and recreates it when degraded. It
// reports whether a reconnect happened. Concurrent callers share one attempt.
func (c *Client) ReconnectIfNeeded(ctx context.Context) (bool, error) {
	result, err, _ := c.group.Do("reconnect", func() (any, error) {
		ok, err := c.CheckConnection(ctx)
		if ok {
			c.logger.Debug("no reconnection needed")
			return false, nil
		}
		if err != nil {
			c.logger.Warn("connection check errored, reconnecting anyway", logging.Error(err))
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.settings == nil {
			return false, services.Wrap(services.ErrConfiguration, stageStorage, "reconnect", "storage client not initialized", nil)
		}
		logging.WarnWithContext(c.logger, "storage connection lost, reconnecting", "storage_reconnect",
			logging.String(logging.FieldErrorHint, "check the object store endpoint and credentials"))
		api, dialErr := c.dial(*c.settings)
		if dialErr != nil {
			// Keep the previous handle; the next caller will try again.
			wrapped := services.Wrap(services.ErrStorage, stageStorage, "reconnect", "recreate storage connection", dialErr)
			c.logger.Error("reconnect failed", logging.Error(wrapped))
			return false, wrapped
		}
		c.api = api
		c.logger.Info("storage reconnect completed")
		return true, nil
	})
	reconnected, _ := result.(bool)
	return reconnected, err
}

// Acquire returns a usable connection, initializing on first use and
// reconnecting opportunistically afterwards.
func (c *Client) Acquire(ctx context.Context, settings Settings) (ObjectAPI, error) {
	if !c.IsInitialized() {
		if err := c.Initialize(ctx, settings); err != nil {
			return nil, err
		}
	} else if _, err := c.ReconnectIfNeeded(ctx); err != nil {
		return nil, err
	}
	return c.GetClient()
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := errorResponse(err); ok {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// errorResponse unwraps a service error returned by the object store.
func errorResponse(err error) (minio.ErrorResponse, bool) {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code != "" || resp.StatusCode != 0) {
		return resp, true
	}
	return minio.ErrorResponse{}, false
}
