package monitor

import (
	"encoding/json"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/logger"
)

// Subscribe registers a monitor client. The returned channel receives
// JSON-encoded events; call cancel to detach. Slow clients drop events
// instead of stalling the request path.
func (s *Service) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)

	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()

	cancel := func() {
		s.clientsMu.Lock()
		if _, ok := s.clients[ch]; ok {
			delete(s.clients, ch)
			close(ch)
		}
		s.clientsMu.Unlock()
	}
	return ch, cancel
}

func (s *Service) broadcast(eventType string, data map[string]any) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		logger.Logger.Error("cannot encode monitor event", zap.Error(err))
		return
	}

	for ch := range s.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}
