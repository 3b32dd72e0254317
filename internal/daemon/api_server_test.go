package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"annihilator/internal/api"
	"annihilator/internal/config"
	"annihilator/internal/job"
	"annihilator/internal/logging"
	"annihilator/internal/progress"
	"annihilator/internal/separator"
	"annihilator/internal/storage"
	"annihilator/internal/testsupport"
	"annihilator/internal/transport"
)

type harness struct {
	cfg     *config.Config
	objects *testsupport.MemoryObjectStore
	daemon  *Daemon
	server  *httptest.Server
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	opts = append([]testsupport.ConfigOption{
		testsupport.WithSeparatorScript(testsupport.SeparatorScript("mp3", 0, "vocals", "accompaniment")),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	objects := testsupport.NewMemoryObjectStore(cfg.Storage.Bucket)
	logger := logging.NewNop()
	client := storage.NewClient(storage.WithDialer(objects.Dialer()), storage.WithLogger(logger))
	runner, err := separator.NewFromConfig(cfg, separator.WithLogger(logger))
	if err != nil {
		t.Fatalf("separator.NewFromConfig: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	jobs := job.New(runner, storage.NewUploader(client, logger), job.SettingsFromConfig(cfg),
		job.WithLogger(logger),
		job.WithRecorder(store),
		job.WithIDGenerator(func() string { return "J" }),
	)

	d, err := New(cfg, logger, store, client, jobs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		jobs.Wait()
	})
	return &harness{cfg: cfg, objects: objects, daemon: d, server: srv}
}

func (h *harness) separate(t *testing.T, prefix string) ([]progress.Event, []string) {
	t.Helper()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "song.wav")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("RIFF fake audio"))
	_ = form.Close()

	resp, err := http.Post(h.server.URL+prefix+"/processing/spleeter-sse", form.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	return readSSE(t, resp.Body)
}

func readSSE(t *testing.T, r io.Reader) (events []progress.Event, names []string) {
	t.Helper()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			if payload == "" {
				continue
			}
			ev, err := progress.Decode([]byte(payload))
			if err != nil {
				t.Fatalf("Decode %q: %v", payload, err)
			}
			events = append(events, ev)
		case strings.HasPrefix(line, "event:"):
			names = append(names, strings.TrimPrefix(line, "event:"))
		}
	}
	return events, names
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Detail
}

func TestSeparateSSEStoresStemsAndEndsWithResult(t *testing.T) {
	h := newHarness(t)

	events, names := h.separate(t, "/api/v1")
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	last, ok := events[len(events)-1].(progress.Result)
	if !ok {
		t.Fatalf("expected final result event, got %#v", events[len(events)-1])
	}
	if last.ID != "J" || last.Message != job.MsgComplete {
		t.Fatalf("unexpected result %+v", last)
	}
	if len(names) == 0 || names[len(names)-1] != transport.CloseEvent {
		t.Fatalf("expected close sentinel last, got %v", names)
	}

	prev := progress.StageNotStarted
	for _, ev := range events {
		stage := ev.CurrentStage()
		if stage.Before(prev) {
			t.Fatalf("stage went backwards: %s after %s", stage, prev)
		}
		prev = stage
	}

	want := []string{"processed/J/accompaniment.mp3", "processed/J/vocals.mp3"}
	if got := h.objects.Keys(); !slices.Equal(got, want) {
		t.Fatalf("stored keys = %v, want %v", got, want)
	}

	h.daemon.jobs.Wait()
	entries, err := os.ReadDir(h.cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected work dir to be empty, found %d entries", len(entries))
	}
}

func TestSeparateSSEReportsSeparatorFailure(t *testing.T) {
	h := newHarness(t, testsupport.WithSeparatorScript(testsupport.SeparatorScript("mp3", 3)))

	events, names := h.separate(t, "/api/latest")
	last, ok := events[len(events)-1].(progress.Error)
	if !ok {
		t.Fatalf("expected final error event, got %#v", events[len(events)-1])
	}
	if last.Message != job.MsgProcessingFailed {
		t.Fatalf("unexpected error message %q", last.Message)
	}
	if names[len(names)-1] != transport.CloseEvent {
		t.Fatalf("expected close sentinel, got %v", names)
	}
	if keys := h.objects.Keys(); len(keys) != 0 {
		t.Fatalf("expected nothing stored, got %v", keys)
	}
}

func TestSeparateSSEWithUnreachableStorage(t *testing.T) {
	h := newHarness(t)
	h.objects.Unreachable = true

	events, names := h.separate(t, "/api/v1")
	if len(events) != 1 {
		t.Fatalf("expected a single event, got %d", len(events))
	}
	if _, ok := events[0].(progress.Error); !ok {
		t.Fatalf("expected error event, got %#v", events[0])
	}
	if !slices.Equal(names, []string{transport.CloseEvent}) {
		t.Fatalf("expected only the close sentinel, got %v", names)
	}
	if attempts := h.objects.PutAttempts(); len(attempts) != 0 {
		t.Fatalf("expected no uploads, got %v", attempts)
	}
}

func TestSeparateSSERequiresFile(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.server.URL+"/api/v1/processing/spleeter-sse", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "file") {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestDownloadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.separate(t, "/api/v1")

	var bodies [][]byte
	for range 2 {
		resp := h.get(t, "/api/v1/files/download-processed-file/?processed-filename=J&result-filename=vocals.mp3")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
			t.Fatalf("unexpected content type %q", ct)
		}
		if cd := resp.Header.Get("Content-Disposition"); cd != "attachment; filename=vocals.mp3" {
			t.Fatalf("unexpected content disposition %q", cd)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if resp.ContentLength != int64(len(data)) {
			t.Fatalf("content length %d does not match body %d", resp.ContentLength, len(data))
		}
		bodies = append(bodies, data)
	}
	if !bytes.Equal(bodies[0], bodies[1]) || string(bodies[0]) != "stem-vocals" {
		t.Fatalf("unexpected bodies %q / %q", bodies[0], bodies[1])
	}
}

func TestDownloadMissingObject(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/files/download-processed-file/?processed-filename=nope&result-filename=vocals.mp3")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail != msgFileNotFound {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestDownloadStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.objects.Unreachable = true

	resp := h.get(t, "/api/v1/files/download-processed-file/?processed-filename=J&result-filename=vocals.mp3")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail == "" {
		t.Fatal("expected error detail")
	}
}

func TestDownloadRejectsTraversal(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/files/download-processed-file/?processed-filename=..&result-filename=vocals.mp3")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPresignedURL(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/files/presigned-url/?processed-filename=J&result-filename=vocals.mp3&expires=60")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasSuffix(payload.URL, "/processed/J/vocals.mp3") || payload.ExpiresIn != 60 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	resp = h.get(t, "/api/v1/files/presigned-url/?processed-filename=J&result-filename=vocals.mp3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 without expires, got %d", resp.StatusCode)
	}
	payload.ExpiresIn = 0
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ExpiresIn != 3600 {
		t.Fatalf("expected one hour default, got %d", payload.ExpiresIn)
	}

	bad := h.get(t, "/api/v1/files/presigned-url/?processed-filename=J&result-filename=vocals.mp3&expires=-1")
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad expiry, got %d", bad.StatusCode)
	}
}

func TestJobsEndpoints(t *testing.T) {
	h := newHarness(t)
	h.separate(t, "/api/v1")

	resp := h.get(t, "/api/v1/jobs?limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list api.JobListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != "J" || list.Items[0].Status != api.StatusSucceeded {
		t.Fatalf("unexpected list %+v", list.Items)
	}

	item := h.get(t, "/api/latest/jobs/J")
	if item.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", item.StatusCode)
	}
	var one api.JobItemResponse
	if err := json.NewDecoder(item.Body).Decode(&one); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if !slices.Equal(one.Item.Files, []string{"accompaniment.mp3", "vocals.mp3"}) {
		t.Fatalf("unexpected files %v", one.Item.Files)
	}

	if missing := h.get(t, "/api/v1/jobs/unknown"); missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
	if bad := h.get(t, "/api/v1/jobs?limit=zero"); bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Running {
		t.Fatal("daemon was never started")
	}
	if status.Storage.Bucket != h.cfg.Storage.Bucket {
		t.Fatalf("unexpected bucket %q", status.Storage.Bucket)
	}
	if status.LockFilePath != h.cfg.LockPath() {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}
	if len(status.Dependencies) == 0 {
		t.Fatal("expected dependency report")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.server.URL+"/api/v1/processing/spleeter-sse", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Origin", "http://app.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	// Credentialed responses echo the caller's origin; browsers reject "*" there.
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://app.test" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("unexpected allow credentials %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Fatalf("unexpected allow headers %q", got)
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	h := newHarness(t)
	h.cfg.Server.AllowOrigins = []string{"http://allowed.test"}
	h.cfg.Server.AllowCredentials = true
	engine := newAPIServer(h.cfg, h.daemon, logging.NewNop()).engine

	for origin, want := range map[string]string{
		"http://allowed.test": "http://allowed.test",
		"http://denied.test":  "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Fatalf("origin %s: allow origin = %q, want %q", origin, got, want)
		}
	}
}

func TestSeparateWebSocket(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/v1/processing/spleeter-ws?filename=song.wav"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("RIFF fake audio")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var events []progress.Event
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(data) == `{"type":"`+transport.CloseType+`"}` {
			break
		}
		ev, err := progress.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		events = append(events, ev)
	}

	if _, ok := events[len(events)-1].(progress.Result); !ok {
		t.Fatalf("expected result before close, got %#v", events[len(events)-1])
	}
	if keys := h.objects.Keys(); len(keys) != 2 {
		t.Fatalf("expected two stored stems, got %v", keys)
	}
}

func TestSeparateWebSocketRejectsTextPayload(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/v1/processing/spleeter-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	ev, err := progress.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := ev.(progress.Error); !ok {
		t.Fatalf("expected error event, got %#v", ev)
	}
	if keys := h.objects.Keys(); len(keys) != 0 {
		t.Fatalf("expected nothing stored, got %v", keys)
	}
}

func TestRecoveryReturnsDetail(t *testing.T) {
	h := newHarness(t)
	srv := newAPIServer(h.cfg, h.daemon, logging.NewNop())
	srv.engine.GET("/boom", func(*gin.Context) { panic("kaboom") })

	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"detail":"kaboom"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("expected request id header")
	}
}
