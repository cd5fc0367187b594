package lifecycle

import (
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/logger"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

// replaySpacing is the pause between queued items during a drain, so a
// freshly connected tab is not slammed with the whole backlog at once.
const replaySpacing = time.Second

// Outcome resolves a queued admission: either a channel to consume or an
// error message.
type Outcome struct {
	RequestID string
	Ch        <-chan any
	Err       error
}

// QueueItem is one admission waiting for a tab to appear.
type QueueItem struct {
	Model   string
	Request *relaymodel.GeneralOpenAIRequest
	// OriginalRequestID is set for replayed requests recovered from a dead
	// tab, so the client stream keeps its correlation id.
	OriginalRequestID string
	EnqueuedAt        time.Time

	// Result receives exactly one Outcome.
	Result chan Outcome
}

// PendingQueue buffers admissions that arrived while no tab was connected.
type PendingQueue struct {
	mu    sync.Mutex
	items []*QueueItem
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Push enqueues an item.
func (q *PendingQueue) Push(item *QueueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()
	logger.Logger.Info("request queued until a tab connects",
		zap.String("model", item.Model), zap.Int("queue_len", n))
}

// Len returns the queue depth.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pop removes and returns the head, or nil.
func (q *PendingQueue) pop() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Drain re-issues every queued item through dispatch, pacing the replays.
// Called from the WebSocket accept path when a tab connects.
func (q *PendingQueue) Drain(dispatch func(*QueueItem)) {
	first := true
	for {
		item := q.pop()
		if item == nil {
			return
		}
		if !first {
			time.Sleep(replaySpacing)
		}
		first = false
		logger.Logger.Info("replaying queued request",
			zap.String("model", item.Model),
			zap.String("original_request_id", item.OriginalRequestID))
		dispatch(item)
	}
}
