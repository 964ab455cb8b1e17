package httpserver

import (
	"errors"
	"log/slog"
	"net"

	"github.com/coder/websocket"
)

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	if logger != nil {
		logger.Debug("websocket close failed", "err", err, "status", websocket.CloseStatus(err))
	}
}
