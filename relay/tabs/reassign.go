package tabs

import (
	"fmt"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// Manager ties the registry and broker together for the disconnect protocol.
type Manager struct {
	Registry *Registry
	Broker   *Broker
}

func NewManager() *Manager {
	return &Manager{
		Registry: NewRegistry(),
		Broker:   NewBroker(),
	}
}

// HandleDisconnect runs the disconnect protocol for a tab: drop the counter
// and connection, then reassign its pending requests.
func (m *Manager) HandleDisconnect(tabID string, settings *config.Settings) {
	m.Registry.Remove(tabID)
	m.ReassignPending(tabID, settings)
}

// ReassignPending moves every pending request owned by a dead tab onto the
// least-loaded surviving tab, or terminates it when its transfer budget is
// spent.
func (m *Manager) ReassignPending(deadTabID string, settings *config.Settings) {
	owned := m.Broker.OwnedBy(deadTabID)
	if len(owned) == 0 {
		return
	}

	maxTransfers := settings.MaxRequestTransfers
	if maxTransfers <= 0 {
		maxTransfers = 3
	}

	for _, p := range owned {
		if p.TransferCount >= maxTransfers {
			logger.Logger.Warn("request exhausted its transfer budget",
				zap.String("request_id", p.RequestID),
				zap.Int("transfers", p.TransferCount))
			m.terminate(p.RequestID, fmt.Sprintf("Request failed after %d transfer attempts", maxTransfers))
			continue
		}

		target, ok := m.Registry.LeastLoaded()
		if !ok {
			logger.Logger.Warn("no surviving tab for reassignment",
				zap.String("request_id", p.RequestID))
			m.terminate(p.RequestID, "Request reassignment failed: no tab connected")
			continue
		}

		p, ok = m.Broker.Transfer(p.RequestID, target.ID)
		if !ok {
			continue
		}

		msg := &RequestMessage{
			RequestID:     p.RequestID,
			Payload:       p.Envelope,
			RetryConfig:   retryConfigFor(settings),
			IsTransfer:    true,
			OriginalTabID: p.OriginalTabID,
			TransferCount: p.TransferCount,
		}
		if err := target.Send(msg); err != nil {
			logger.Logger.Error("reassignment send failed",
				zap.String("request_id", p.RequestID),
				zap.String("target", target.ID), zap.Error(err))
			m.terminate(p.RequestID, fmt.Sprintf("Request reassignment failed: %v", err))
			continue
		}

		m.Registry.Acquire(target.ID)
		logger.Logger.Info("request reassigned",
			zap.String("request_id", p.RequestID),
			zap.String("from", deadTabID),
			zap.String("to", target.ID),
			zap.Int("transfer_count", p.TransferCount),
			zap.Int("max_transfers", maxTransfers))
	}
}

// terminate pushes an error terminal followed by the done sentinel.
func (m *Manager) terminate(requestID, message string) {
	m.Broker.Push(requestID, map[string]any{"error": message})
	m.Broker.Push(requestID, "[DONE]")
}

func retryConfigFor(settings *config.Settings) *config.RetryConfig {
	if settings == nil || !settings.RetryConfig.Enabled {
		return nil
	}
	rc := settings.RetryConfig
	return &rc
}
