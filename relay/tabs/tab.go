package tabs

import (
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/relay/translate"
)

// DefaultTabID is the slot used by legacy user-scripts that skip the
// handshake frame.
const DefaultTabID = "default"

// RequestMessage is the server-to-tab frame carrying one translated request.
type RequestMessage struct {
	RequestID     string              `json:"request_id"`
	Payload       *translate.Envelope `json:"payload"`
	RetryConfig   *config.RetryConfig `json:"retry_config,omitempty"`
	IsTransfer    bool                `json:"is_transfer,omitempty"`
	OriginalTabID string              `json:"original_tab_id,omitempty"`
	TransferCount int                 `json:"transfer_count,omitempty"`
}

// Command is a server-to-tab control frame.
type Command struct {
	Command      string `json:"command"`
	RequestID    string `json:"request_id,omitempty"`
	Mode         string `json:"mode,omitempty"`
	BattleTarget string `json:"battle_target,omitempty"`
}

// Socket is the subset of *websocket.Conn the tab layer needs. Narrowing it
// keeps the registry and reassignment logic testable without real sockets.
type Socket interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

// Tab wraps one browser tab's WebSocket. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type Tab struct {
	ID          string
	ConnectedAt time.Time

	writeMu sync.Mutex
	conn    Socket
}

func NewTab(id string, conn Socket) *Tab {
	return &Tab{
		ID:          id,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
}

// Send marshals v and writes it with the configured send deadline.
func (t *Tab) Send(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(config.WebSocketSendTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := t.conn.WriteJSON(v); err != nil {
		return errors.Wrapf(err, "send to tab %s", t.ID)
	}
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (t *Tab) Close() error {
	return t.conn.Close()
}
