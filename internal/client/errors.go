package client

import (
	"errors"

	"github.com/ibase-go/reliabletcp/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrDial        = errors.New("dial")
	ErrNotStarted  = errors.New("client not started")
	ErrFrameTooBig = errors.New("request body too large")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrDial):
		return metrics.ErrConnRead
	default:
		return "other"
	}
}
