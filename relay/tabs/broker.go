package tabs

import (
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
	"github.com/lmbridge/lmbridge/relay/translate"
)

// channelCapacity bounds the per-request frame FIFO. The consumer drains
// continuously, so the buffer only absorbs bursts; overflow drops the frame
// with a warning rather than blocking the socket reader.
const channelCapacity = 4096

// Pending is the metadata of one admitted browser-tab request. It lives from
// admission to terminal resolution and is mutated only through the broker.
type Pending struct {
	RequestID     string
	Model         string
	TabID         string
	OriginalTabID string
	TransferCount int
	// TransferAllowed lets frames from a tab other than the recorded owner
	// route into the channel after a reassignment.
	TransferAllowed bool
	CreatedAt       time.Time

	Envelope     *translate.Envelope
	BindingIndex int
	Request      *relaymodel.GeneralOpenAIRequest
}

// Broker owns the per-request frame channels and pending metadata.
type Broker struct {
	mu       sync.Mutex
	channels map[string]chan any
	pending  map[string]*Pending
}

func NewBroker() *Broker {
	return &Broker{
		channels: map[string]chan any{},
		pending:  map[string]*Pending{},
	}
}

// Open creates the channel for an admitted request.
func (b *Broker) Open(p *Pending) <-chan any {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan any, channelCapacity)
	b.channels[p.RequestID] = ch
	b.pending[p.RequestID] = p
	return ch
}

// Route delivers one frame from a tab into the request's channel. Frames
// from a non-owner tab are discarded unless the request allows transfer.
func (b *Broker) Route(senderTabID, requestID string, data any) bool {
	b.mu.Lock()
	ch, ok := b.channels[requestID]
	p := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		logger.Logger.Debug("frame for unknown request dropped",
			zap.String("request_id", requestID), zap.String("tab_id", senderTabID))
		return false
	}
	if p != nil && p.TabID != senderTabID && !p.TransferAllowed {
		logger.Logger.Warn("frame from non-owner tab discarded",
			zap.String("request_id", requestID),
			zap.String("sender", senderTabID),
			zap.String("owner", p.TabID))
		return false
	}

	select {
	case ch <- data:
		return true
	default:
		logger.Logger.Warn("response channel full, frame dropped",
			zap.String("request_id", requestID))
		return false
	}
}

// Push enqueues a server-originated frame (error terminals, replay results).
func (b *Broker) Push(requestID string, data any) bool {
	b.mu.Lock()
	ch, ok := b.channels[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- data:
		return true
	default:
		return false
	}
}

// Pending returns the metadata for a request.
func (b *Broker) Pending(requestID string) (*Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	return p, ok
}

// HasChannel reports whether the request still has an open channel.
func (b *Broker) HasChannel(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[requestID]
	return ok
}

// OwnedBy snapshots the pending requests currently owned by a tab.
func (b *Broker) OwnedBy(tabID string) []*Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Pending
	for _, p := range b.pending {
		if p.TabID == tabID {
			out = append(out, p)
		}
	}
	return out
}

// OpenRequests snapshots the ids of all open channels.
func (b *Broker) OpenRequests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for id := range b.channels {
		out = append(out, id)
	}
	return out
}

// Transfer rebinds a pending request to a new owner tab and marks it
// transfer-allowed so the new tab's frames route through.
func (b *Broker) Transfer(requestID, newTabID string) (*Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return nil, false
	}
	if p.OriginalTabID == "" {
		p.OriginalTabID = p.TabID
	}
	p.TabID = newTabID
	p.TransferCount++
	p.TransferAllowed = true
	return p, true
}

// Close removes the channel and metadata. Normal termination waits the grace
// delay so frames that cross the [DONE] boundary are absorbed; cancellation
// removes immediately.
func (b *Broker) Close(requestID string, immediate bool) {
	remove := func() {
		b.mu.Lock()
		delete(b.channels, requestID)
		delete(b.pending, requestID)
		b.mu.Unlock()
	}
	if immediate {
		remove()
		return
	}
	go func() {
		time.Sleep(config.ChannelGraceDelay)
		remove()
	}()
}

// Stale returns pending requests older than maxAge.
func (b *Broker) Stale(maxAge time.Duration) []*Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []*Pending
	for _, p := range b.pending {
		if p.CreatedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}
