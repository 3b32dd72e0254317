package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sse"

	"annihilator/internal/logging"
	"annihilator/internal/progress"
)

// CloseEvent names the sentinel frame that ends every SSE response.
const CloseEvent = "close"

// ServeSSE streams src to w until the source ends or ctx is done. The close
// sentinel is written on every exit path, panics included.
func ServeSSE(ctx context.Context, w http.ResponseWriter, src Source, logger *slog.Logger) (err error) {
	logger = logging.NewComponentLogger(logger, "sse")
	defer src.Close()

	header := w.Header()
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	sse.Event{}.WriteContentType(w)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	sent := 0
	defer func() {
		if closeErr := writeFrame(w, sse.Event{Event: CloseEvent, Data: ""}); closeErr != nil {
			logger.Debug("close sentinel not delivered", logging.Error(closeErr))
		}
		flush()
		logger.Debug("event stream closed", logging.Int("events_sent", sent))
	}()

	for {
		ev, ok := src.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := writeSSE(w, ev); err != nil {
			logging.WarnWithContext(logger, "event delivery failed", "sse_write_failed",
				logging.Error(err),
				logging.String("progress_stage", string(ev.CurrentStage())),
			)
			return err
		}
		flush()
		sent++
	}
}

func writeSSE(w io.Writer, ev progress.Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return writeFrame(w, sse.Event{Data: string(data)})
}

// writeFrame renders one frame in full before writing it so a broken
// connection surfaces as an error.
func writeFrame(w io.Writer, ev sse.Event) error {
	var buf bytes.Buffer
	if err := sse.Encode(&buf, ev); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
