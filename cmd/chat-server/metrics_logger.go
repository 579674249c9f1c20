package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roomchat/go-chat-server/internal/metrics"
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
					"connections", snap.Connections,
					"sessions", snap.Sessions,
					"rooms", snap.Rooms,
					"packets_rx", snap.PacketsRx,
					"packets_tx", snap.PacketsTx,
					"broadcasts", snap.Broadcasts,
					"protocol_errors", snap.ProtocolErrors,
					"send_overflows", snap.SendOverflows,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
