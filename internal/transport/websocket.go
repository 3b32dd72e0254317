package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"annihilator/internal/logging"
)

const writeWait = 10 * time.Second

// ServeWebSocket streams src over conn. A read failure on conn means the peer
// went away and stops delivery. The caller owns conn and closes it afterwards.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn, src Source, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "websocket")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer src.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	defer func() {
		deadline := time.Now().Add(writeWait)
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, closeMessage); err != nil {
			logger.Debug("close message not delivered", logging.Error(err))
			return
		}
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
			logger.Debug("close frame not delivered", logging.Error(err))
		}
	}()

	for {
		ev, ok := src.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		data, err := encode(ev)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.WarnWithContext(logger, "event delivery failed", "websocket_write_failed",
				logging.Error(err),
				logging.String("progress_stage", string(ev.CurrentStage())),
			)
			return err
		}
	}
}
