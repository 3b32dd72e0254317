package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"annihilator/internal/api"
	"annihilator/internal/config"
	"annihilator/internal/job"
	"annihilator/internal/logging"
	"annihilator/internal/progress"
	"annihilator/internal/services"
	"annihilator/internal/storage"
	"annihilator/internal/transport"
)

const (
	msgFileNotFound   = "File not found in S3"
	defaultJobsLimit  = 50
	maxPresignTTL     = 7 * 24 * time.Hour
	headerRequestID   = "X-Request-ID"
)

type apiServer struct {
	bind     string
	cfg      *config.Config
	logger   *slog.Logger
	daemon   *Daemon
	jobs     *api.JobService
	upgrader websocket.Upgrader

	engine *gin.Engine

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return originAllowed(cfg.Server.AllowOrigins, r.Header.Get("Origin")) },
		},
	}
	if d.history != nil {
		srv.jobs = api.NewJobService(d.history, cfg.Separator.Codec)
	}

	router := gin.New()
	router.Use(srv.requestLogger())
	router.Use(gin.CustomRecovery(srv.recoverPanic))
	router.Use(srv.cors())

	for _, prefix := range []string{"/api/v1", "/api/latest"} {
		group := router.Group(prefix)
		group.POST("/processing/spleeter-sse", srv.handleSeparateSSE)
		group.GET("/processing/spleeter-ws", srv.handleSeparateWS)
		group.GET("/files/download-processed-file/", srv.handleDownload)
		group.GET("/files/presigned-url/", srv.handlePresign)
		group.GET("/jobs", srv.handleJobs)
		group.GET("/jobs/:id", srv.handleJob)
	}
	router.GET("/api/status", srv.handleStatus)

	srv.engine = router
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("api bind address is empty")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Streams run for the length of a separation, so there is no write
		// timeout; request contexts end with the daemon context instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	listener := s.listener
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if listener != nil {
		_ = listener.Close()
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// acquireStorage makes sure the shared client is connected before a job or a
// download touches it.
func (s *apiServer) acquireStorage(ctx context.Context) error {
	_, err := s.daemon.storage.Acquire(ctx, storage.SettingsFromConfig(s.cfg))
	return err
}

func (s *apiServer) handleSeparateSSE(c *gin.Context) {
	ctx := c.Request.Context()
	if limit := s.cfg.MaxUploadBytes(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(c, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Sprintf("open upload: %v", err))
		return
	}
	defer file.Close()

	src := s.startJob(ctx, header.Filename, file)
	if err := transport.ServeSSE(ctx, c.Writer, src, logging.WithContext(ctx, s.logger)); err != nil && ctx.Err() == nil {
		s.logger.Debug("sse stream ended early", logging.Error(err))
	}
}

func (s *apiServer) handleSeparateWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	logger := logging.WithContext(ctx, s.logger)
	conn.SetReadLimit(s.cfg.MaxUploadBytes())

	kind, data, err := conn.ReadMessage()
	var src transport.Source
	switch {
	case err != nil:
		logger.Warn("websocket upload not received", logging.Error(err))
		src = transport.NewReplay(progress.Error{Message: job.MsgProcessingFailed, Detail: "upload not received: " + err.Error()})
	case kind != websocket.BinaryMessage:
		src = transport.NewReplay(progress.Error{Message: job.MsgProcessingFailed, Detail: "first message must be the binary audio payload"})
	default:
		src = s.startJob(ctx, c.Query("filename"), bytes.NewReader(data))
	}
	if err := transport.ServeWebSocket(ctx, conn, src, logger); err != nil && ctx.Err() == nil {
		logger.Debug("websocket stream ended early", logging.Error(err))
	}
}

// startJob launches a separation. When the object store is unreachable the
// job never starts and the caller receives a single error event.
func (s *apiServer) startJob(ctx context.Context, filename string, data io.Reader) transport.Source {
	if err := s.acquireStorage(ctx); err != nil {
		logging.ErrorWithContext(logging.WithContext(ctx, s.logger), "storage unavailable; job not started", "storage_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check storage endpoint and credentials"),
		)
		return transport.NewReplay(progress.Error{Message: job.MsgProcessingFailed, Detail: err.Error()})
	}
	return s.daemon.jobs.Start(ctx, job.Submission{Filename: filename, Data: data})
}

func (s *apiServer) objectKey(c *gin.Context) (string, string, bool) {
	jobID := c.Query("processed-filename")
	name := c.Query("result-filename")
	key, err := storage.ObjectKey(s.cfg.Storage.KeyPrefix, jobID, name)
	if err != nil {
		s.writeError(c, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return key, name, true
}

func (s *apiServer) handleDownload(c *gin.Context) {
	key, name, ok := s.objectKey(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.acquireStorage(ctx); err != nil {
		s.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	obj, err := s.daemon.storage.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, msgFileNotFound)
			return
		}
		s.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer obj.Body.Close()

	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj.Body, map[string]string{
		"Content-Disposition": "attachment; filename=" + name,
	})
}

func (s *apiServer) handlePresign(c *gin.Context) {
	key, _, ok := s.objectKey(c)
	if !ok {
		return
	}
	ttl := storage.DefaultPresignExpiry
	if raw := c.Query("expires"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 || time.Duration(secs)*time.Second > maxPresignTTL {
			s.writeError(c, http.StatusBadRequest, "expires must be between 1 second and 7 days")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	ctx := c.Request.Context()
	if err := s.acquireStorage(ctx); err != nil {
		s.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	u, err := s.daemon.storage.PresignURL(ctx, key, ttl)
	if err != nil {
		s.writeError(c, services.StatusCode(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u, "expiresIn": int(ttl.Seconds())})
}

func (s *apiServer) handleJobs(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusOK, api.JobListResponse{Items: []api.JobItem{}})
		return
	}
	limit := defaultJobsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	items, err := s.jobs.List(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, services.StatusCode(err), err.Error())
		return
	}
	if items == nil {
		items = []api.JobItem{}
	}
	c.JSON(http.StatusOK, api.JobListResponse{Items: items})
}

func (s *apiServer) handleJob(c *gin.Context) {
	if s.jobs == nil {
		s.writeError(c, http.StatusNotFound, "job history is disabled")
		return
	}
	item, err := s.jobs.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, services.StatusCode(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, api.JobItemResponse{Item: *item})
}

func (s *apiServer) handleStatus(c *gin.Context) {
	withChecks := c.Query("checks") == "1" || strings.EqualFold(c.Query("checks"), "true")
	c.JSON(http.StatusOK, s.daemon.apiStatus(c.Request.Context(), withChecks))
}

func (s *apiServer) writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{Detail: detail})
}

func (s *apiServer) recoverPanic(c *gin.Context, recovered any) {
	logging.ErrorWithContext(logging.WithContext(c.Request.Context(), s.logger), "handler panic", "handler_panic",
		logging.Any("panic", recovered),
		logging.String("path", c.Request.URL.Path),
	)
	if c.Writer.Written() {
		c.Abort()
		return
	}
	s.writeError(c, http.StatusInternalServerError, fmt.Sprint(recovered))
}

func (s *apiServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerRequestID, requestID)
		c.Request = c.Request.WithContext(services.WithRequestID(c.Request.Context(), requestID))

		started := time.Now()
		c.Next()

		logging.WithContext(c.Request.Context(), s.logger).Debug("request handled",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(started)),
		)
	}
}

func (s *apiServer) cors() gin.HandlerFunc {
	settings := s.cfg.Server
	methods := strings.Join(settings.AllowMethods, ", ")
	if slices.Contains(settings.AllowMethods, "*") {
		methods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !originAllowed(settings.AllowOrigins, origin) {
			c.Next()
			return
		}
		header := c.Writer.Header()
		switch {
		case settings.AllowCredentials:
			// Browsers reject a wildcard origin on credentialed requests.
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Add("Vary", "Origin")
		case slices.Contains(settings.AllowOrigins, "*"):
			header.Set("Access-Control-Allow-Origin", "*")
		default:
			header.Set("Access-Control-Allow-Origin", origin)
			header.Add("Vary", "Origin")
		}

		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}
		header.Set("Access-Control-Allow-Methods", methods)
		if slices.Contains(settings.AllowHeaders, "*") {
			if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
				header.Set("Access-Control-Allow-Headers", requested)
			}
		} else {
			header.Set("Access-Control-Allow-Headers", strings.Join(settings.AllowHeaders, ", "))
		}
		header.Set("Access-Control-Max-Age", "600")
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}
