package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ibase-go/reliabletcp/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sessions_active", snap.SessionsActive,
					"sessions_accepted", snap.SessionsAccepted,
					"sessions_evicted", snap.SessionsEvicted,
					"requests_sent", snap.RequestsSent,
					"responses_matched", snap.ResponsesMatched,
					"requests_exhausted", snap.RequestsExhausted,
					"pushes_sent", snap.PushesSent,
					"pushes_acked", snap.PushesAcked,
					"pushes_expired", snap.PushesExpired,
					"notifications_delivered", snap.NotifsDelivered,
					"notifications_duplicate", snap.NotifsDuplicate,
					"requests_duplicate", snap.RequestsDuplicate,
					"parse_resyncs", snap.ParseResyncs,
					"write_queue_overflows", snap.WriteQueueOverflow,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
