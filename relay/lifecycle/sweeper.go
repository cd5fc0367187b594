package lifecycle

import (
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
	"github.com/lmbridge/lmbridge/relay/tabs"
)

// StartSweeper force-terminates requests that outlived the stale timeout:
// the owning tab's counter is released, an error terminal is pushed, and the
// channel is closed. onStale, when set, reports the termination to the
// observability surface.
func StartSweeper(stop <-chan struct{}, m *tabs.Manager, onStale func(p *tabs.Pending)) {
	go func() {
		ticker := time.NewTicker(config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sweep(m, onStale)
			}
		}
	}()
}

func sweep(m *tabs.Manager, onStale func(p *tabs.Pending)) {
	stale := m.Broker.Stale(config.StaleRequestTimeout)
	for _, p := range stale {
		age := time.Since(p.CreatedAt)
		logger.Logger.Warn("force-terminating stale request",
			zap.String("request_id", p.RequestID),
			zap.String("tab_id", p.TabID),
			zap.Duration("age", age))

		m.Registry.Release(p.TabID)
		m.Broker.Push(p.RequestID, map[string]any{
			"error": "Request timed out and was force-terminated by the server.",
		})
		m.Broker.Push(p.RequestID, "[DONE]")
		m.Broker.Close(p.RequestID, true)
		if onStale != nil {
			onStale(p)
		}
	}
}
