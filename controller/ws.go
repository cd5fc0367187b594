package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/helper"
	"github.com/lmbridge/lmbridge/monitor"
	"github.com/lmbridge/lmbridge/relay/lifecycle"
	"github.com/lmbridge/lmbridge/relay/tabs"
	"github.com/lmbridge/lmbridge/relay/translate"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// the user-script connects from the arena origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// tabFrame is the tab-to-server demux frame.
type tabFrame struct {
	RequestID string `json:"request_id"`
	Data      any    `json:"data"`
}

// TabWebSocket is GET /ws. One connection per browser tab; the first frame
// may carry the tab id, older scripts skip the handshake and land on the
// default slot.
func (s *Server) TabWebSocket(c *gin.Context) {
	logger := gmw.GetLogger(c)

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	tabID, firstFrame := readTabHandshake(conn)
	_ = conn.SetReadDeadline(time.Time{})

	tab := tabs.NewTab(tabID, conn)
	s.Tabs.Registry.Add(tab)
	monitor.MetricConnectedTabs.Set(float64(s.Tabs.Registry.Count()))

	// a fresh connection means any verification flow has completed
	s.Guard.Reset()
	s.Activity.Touch()

	settings := s.Store.Snapshot()
	s.recoverOrphans(tab, settings)
	if settings != nil && settings.EnableAutoRetry && s.Queue.Len() > 0 {
		go s.Queue.Drain(s.dispatchQueued)
	}

	if firstFrame != nil && firstFrame.RequestID != "" {
		s.Tabs.Broker.Route(tabID, firstFrame.RequestID, firstFrame.Data)
	}

	for {
		var frame tabFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("tab socket closed", zap.String("tab_id", tabID), zap.Error(err))
			}
			break
		}
		s.Activity.Touch()
		if frame.RequestID == "" {
			continue
		}
		s.Tabs.Broker.Route(tabID, frame.RequestID, frame.Data)
	}

	s.Tabs.HandleDisconnect(tabID, s.Store.Snapshot())
	monitor.MetricConnectedTabs.Set(float64(s.Tabs.Registry.Count()))
}

// readTabHandshake waits briefly for the {"tab_id": ...} frame. A frame
// without tab_id belongs to the demux loop and is returned for routing.
func readTabHandshake(conn *websocket.Conn) (string, *tabFrame) {
	_ = conn.SetReadDeadline(time.Now().Add(config.TabHandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return tabs.DefaultTabID, nil
	}

	var handshake struct {
		TabID string `json:"tab_id"`
	}
	if err := json.Unmarshal(raw, &handshake); err == nil && handshake.TabID != "" {
		return handshake.TabID, nil
	}

	var frame tabFrame
	if err := json.Unmarshal(raw, &frame); err == nil {
		return tabs.DefaultTabID, &frame
	}
	return tabs.DefaultTabID, nil
}

// recoverOrphans re-sends requests whose owning tab is gone to the freshly
// connected tab, within the transfer budget.
func (s *Server) recoverOrphans(tab *tabs.Tab, settings *config.Settings) {
	maxTransfers := 3
	if settings != nil && settings.MaxRequestTransfers > 0 {
		maxTransfers = settings.MaxRequestTransfers
	}

	for _, requestID := range s.Tabs.Broker.OpenRequests() {
		p, ok := s.Tabs.Broker.Pending(requestID)
		if !ok || p.Envelope == nil {
			continue
		}
		if _, connected := s.Tabs.Registry.Get(p.TabID); connected {
			continue
		}
		if p.TransferCount >= maxTransfers {
			s.Tabs.Broker.Push(requestID, map[string]any{
				"error": fmt.Sprintf("Request failed after %d transfer attempts", maxTransfers),
			})
			s.Tabs.Broker.Push(requestID, "[DONE]")
			continue
		}

		p, ok = s.Tabs.Broker.Transfer(requestID, tab.ID)
		if !ok {
			continue
		}
		msg := &tabs.RequestMessage{
			RequestID:     requestID,
			Payload:       p.Envelope,
			RetryConfig:   retryConfigFor(settings),
			IsTransfer:    true,
			OriginalTabID: p.OriginalTabID,
			TransferCount: p.TransferCount,
		}
		if err := tab.Send(msg); err != nil {
			s.Tabs.Broker.Push(requestID, map[string]any{
				"error": fmt.Sprintf("Request recovery failed: %v", err),
			})
			s.Tabs.Broker.Push(requestID, "[DONE]")
			continue
		}
		s.Tabs.Registry.Acquire(tab.ID)
	}
}

// dispatchQueued re-admits one queued request after a tab connected.
func (s *Server) dispatchQueued(item *lifecycle.QueueItem) {
	requestID := item.OriginalRequestID
	if requestID == "" {
		requestID = helper.GenRequestID()
	}

	resolve := func() (<-chan any, error) {
		binding, bindingIdx, err := s.resolveBinding(item.Model)
		if err != nil {
			return nil, err
		}
		settings := s.Store.Snapshot()
		targetModelID := ""
		if ref, ok := s.Store.ModelRefFor(item.Model); ok {
			targetModelID = ref.ID
		}
		env, err := translate.BuildEnvelope(context.Background(), item.Request, translate.Options{
			Settings:      settings,
			Binding:       binding,
			TargetModelID: targetModelID,
			ProcessImage: func(ctx context.Context, payload string) (string, error) {
				return s.Images.Process(ctx, payload, binding.ImageCompression)
			},
		})
		if err != nil {
			return nil, err
		}
		return s.admit(context.Background(), requestID, item.Request, env, bindingIdx, settings)
	}

	frames, err := resolve()
	if err != nil {
		item.Result <- lifecycle.Outcome{RequestID: requestID, Err: err}
		return
	}
	item.Result <- lifecycle.Outcome{RequestID: requestID, Ch: frames}
}

// MonitorWebSocket is GET /ws/monitor: a one-way event feed for the
// dashboard.
func (s *Server) MonitorWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.Monitor.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case payload := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(config.WebSocketSendTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
