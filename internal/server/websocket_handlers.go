package server

import (
	"log/slog"

	"beacon/internal/presence"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebsocketHandler upgrades the connection and runs one presence session for
// its lifetime. The session is admitted by its first frame; everything after
// the upgrade is the broker's protocol.
func (s *Server) WebsocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client := presence.NewClient(conn)
		sess := s.broker.NewSession(client, conn.RemoteAddr().String())

		client.IncomingHandler = func(message []byte) {
			s.broker.HandleFrame(sess, message)
		}

		s.logger.Debug("websocket connected",
			slog.String("session", sess.ID),
			slog.String("remote", sess.RemoteAddr))

		go client.WritePump()

		// Read pump runs in the handler goroutine; returning tears the
		// connection down.
		client.ReadPump()

		s.broker.CloseSession(sess)

		s.logger.Debug("websocket disconnected",
			slog.String("session", sess.ID),
			slog.String("handle", sess.Handle()))
	})
}
