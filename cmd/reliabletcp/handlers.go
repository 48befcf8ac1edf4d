package main

import (
	"log/slog"

	"github.com/ibase-go/reliabletcp/internal/packet"
	"github.com/ibase-go/reliabletcp/internal/rserver"
)

// pingCmd is a built-in smoke-test request: it echoes its body back
// unchanged, so an operator can verify a deployment end to end without
// writing a client.
const pingCmd = 1

func registerDefaultHandlers(srv *rserver.Server, l *slog.Logger) {
	srv.RegisterReqProcessor(pingCmd, func(sessionID uint32, p *packet.Packet) {
		if !srv.SendResponseForRequest(sessionID, p.Cmd, p.Seq, p.Body) {
			l.Warn("ping_response_failed", "session_id", sessionID)
		}
	})
}
