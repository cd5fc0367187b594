package controller

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/relay/tabs"
)

// captureState holds the ids captured from the user-script during an id
// capture flow.
type captureState struct {
	SessionID    string
	MessageID    string
	Mode         string
	BattleTarget string
	CapturedAt   float64
}

// StartIDCapture is POST /internal/start_id_capture: arms the user-script's
// capture mode over the tab socket.
func (s *Server) StartIDCapture(c *gin.Context) {
	var body struct {
		Mode         string `json:"mode"`
		BattleTarget string `json:"battle_target"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Mode == "" {
		body.Mode = "direct_chat"
	}
	if body.BattleTarget == "" {
		body.BattleTarget = "A"
	}

	tab, ok := s.Tabs.Registry.Any()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Browser client not connected."})
		return
	}

	s.captureMu.Lock()
	s.capture = captureState{Mode: body.Mode, BattleTarget: body.BattleTarget}
	s.captureMu.Unlock()

	cmd := &tabs.Command{
		Command:      "activate_id_capture",
		Mode:         body.Mode,
		BattleTarget: body.BattleTarget,
	}
	if err := tab.Send(cmd); err != nil {
		gmw.GetLogger(c).Error("cannot send id-capture command", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send command via WebSocket."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"message":       "ID capture activated",
		"mode":          body.Mode,
		"battle_target": body.BattleTarget,
	})
}

// ReceiveCapturedIDs is POST /internal/receive_captured_ids, called by the
// user-script once it intercepts a session id.
func (s *Server) ReceiveCapturedIDs(c *gin.Context) {
	var body struct {
		SessionID string `json:"sessionId"`
		MessageID string `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing sessionId"})
		return
	}

	s.captureMu.Lock()
	s.capture.SessionID = body.SessionID
	s.capture.MessageID = body.MessageID
	s.capture.CapturedAt = float64(time.Now().UnixNano()) / float64(time.Second)
	s.captureMu.Unlock()

	gmw.GetLogger(c).Info("captured session id",
		zap.String("session_id", body.SessionID), zap.String("message_id", body.MessageID))
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Session ID captured successfully",
	})
}

// CaptureStatus is GET /internal/capture_status.
func (s *Server) CaptureStatus(c *gin.Context) {
	s.captureMu.Lock()
	state := s.capture
	s.captureMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"captured":      state.SessionID != "",
		"session_id":    state.SessionID,
		"message_id":    state.MessageID,
		"mode":          state.Mode,
		"battle_target": state.BattleTarget,
		"timestamp":     state.CapturedAt,
	})
}

// SaveCapturedModel is POST /internal/save_captured_model: persists the
// captured session as a binding in the endpoint map and reloads it.
func (s *Server) SaveCapturedModel(c *gin.Context) {
	var body struct {
		ModelName string `json:"model_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ModelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing model_name"})
		return
	}

	s.captureMu.Lock()
	state := s.capture
	s.captureMu.Unlock()
	if state.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No captured session ID, run ID capture first"})
		return
	}

	if err := s.saveEndpointBinding(body.ModelName, state); err != nil {
		gmw.GetLogger(c).Error("cannot save captured binding",
			zap.String("model", body.ModelName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.Store.ForceReload(); err != nil {
		gmw.GetLogger(c).Warn("endpoint map reload failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Model binding saved",
		"model":   body.ModelName,
	})
}

// saveEndpointBinding rewrites the endpoint map file with the new entry,
// preserving everything else byte-for-byte at the entry level.
func (s *Server) saveEndpointBinding(modelName string, state captureState) error {
	entries := map[string]json.RawMessage{}
	if raw, err := os.ReadFile(s.EndpointMapPath); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return err
		}
	}

	binding := map[string]any{
		"session_id": state.SessionID,
		"mode":       state.Mode,
	}
	if state.Mode == "battle" {
		binding["battle_target"] = state.BattleTarget
	}
	encoded, err := json.Marshal(binding)
	if err != nil {
		return err
	}
	entries[modelName] = encoded

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.EndpointMapPath, out, 0o644)
}
