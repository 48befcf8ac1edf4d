package rserver

import (
	"errors"

	"github.com/ibase-go/reliabletcp/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen       = errors.New("listen")
	ErrAccept       = errors.New("accept")
	ErrNotStarted   = errors.New("server not started")
	ErrUnknownSess  = errors.New("unknown session")
	ErrShutdownWait = errors.New("shutdown wait")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrListenAccept
	default:
		return "other"
	}
}
