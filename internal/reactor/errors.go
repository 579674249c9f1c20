//go:build linux

package reactor

import (
	"errors"

	"github.com/roomchat/go-chat-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen = errors.New("listen")
	ErrPoller = errors.New("poller")
	ErrWakeup = errors.New("wakeup")
	ErrAccept = errors.New("accept")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	case errors.Is(err, ErrPoller), errors.Is(err, ErrWakeup):
		return metrics.ErrPoller
	default:
		return "other"
	}
}
