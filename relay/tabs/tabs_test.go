package tabs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/relay/translate"
)

// fakeSocket records frames instead of writing to a network.
type fakeSocket struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestTab(id string) (*Tab, *fakeSocket) {
	sock := &fakeSocket{}
	return NewTab(id, sock), sock
}

func TestSelectBestPicksLeastLoaded(t *testing.T) {
	reg := NewRegistry()
	t1, _ := newTestTab("T1")
	t2, _ := newTestTab("T2")
	reg.Add(t1)
	reg.Add(t2)

	// load T1 twice
	reg.Acquire("T1")
	reg.Acquire("T1")

	tab, err := reg.SelectBest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T2", tab.ID)
	assert.Equal(t, 1, reg.Loads()["T2"])
}

func TestSelectBestNoTabs(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.SelectBest(context.Background())
	assert.ErrorIs(t, err, ErrNoTabs)
}

func TestSelectBestSweepsStaleCounters(t *testing.T) {
	reg := NewRegistry()
	t1, _ := newTestTab("T1")
	reg.Add(t1)
	reg.counts["ghost"] = 3

	_, err := reg.SelectBest(context.Background())
	require.NoError(t, err)
	_, ok := reg.Loads()["ghost"]
	assert.False(t, ok)
}

func TestReleaseClampsAtZero(t *testing.T) {
	reg := NewRegistry()
	t1, _ := newTestTab("T1")
	reg.Add(t1)
	reg.Release("T1")
	reg.Release("T1")
	assert.Equal(t, 0, reg.Loads()["T1"])
}

func TestCounterBalance(t *testing.T) {
	// sum of in-flight counts equals the number of selections minus releases
	reg := NewRegistry()
	for _, id := range []string{"A", "B", "C"} {
		tab, _ := newTestTab(id)
		reg.Add(tab)
	}

	var picked []string
	for i := 0; i < 9; i++ {
		tab, err := reg.SelectBest(context.Background())
		require.NoError(t, err)
		picked = append(picked, tab.ID)
	}
	total := 0
	for _, n := range reg.Loads() {
		total += n
	}
	assert.Equal(t, 9, total)

	for _, id := range picked[:5] {
		reg.Release(id)
	}
	total = 0
	for _, n := range reg.Loads() {
		total += n
	}
	assert.Equal(t, 4, total)
}

func TestBrokerRoutesOwnerFrames(t *testing.T) {
	b := NewBroker()
	ch := b.Open(&Pending{RequestID: "r1", TabID: "T1", CreatedAt: time.Now()})

	require.True(t, b.Route("T1", "r1", `a0:"hi"`))
	assert.Equal(t, `a0:"hi"`, <-ch)
}

func TestBrokerDiscardsNonOwnerFrames(t *testing.T) {
	b := NewBroker()
	b.Open(&Pending{RequestID: "r1", TabID: "T1", CreatedAt: time.Now()})

	assert.False(t, b.Route("T2", "r1", "stolen"))

	// after transfer the new owner and any tab may deliver
	_, ok := b.Transfer("r1", "T2")
	require.True(t, ok)
	assert.True(t, b.Route("T2", "r1", "legit"))
	assert.True(t, b.Route("T3", "r1", "late frame from previous owner"))
}

func TestBrokerUnknownRequestDropped(t *testing.T) {
	b := NewBroker()
	assert.False(t, b.Route("T1", "missing", "x"))
}

func TestBrokerCloseImmediate(t *testing.T) {
	b := NewBroker()
	b.Open(&Pending{RequestID: "r1", TabID: "T1", CreatedAt: time.Now()})
	b.Close("r1", true)
	assert.False(t, b.HasChannel("r1"))
}

func TestTransferTracksOriginalTab(t *testing.T) {
	b := NewBroker()
	b.Open(&Pending{RequestID: "r1", TabID: "T1", CreatedAt: time.Now()})

	p, ok := b.Transfer("r1", "T2")
	require.True(t, ok)
	assert.Equal(t, "T1", p.OriginalTabID)
	assert.Equal(t, "T2", p.TabID)
	assert.Equal(t, 1, p.TransferCount)

	// a second transfer keeps the original id from admission time
	p, _ = b.Transfer("r1", "T3")
	assert.Equal(t, "T1", p.OriginalTabID)
	assert.Equal(t, 2, p.TransferCount)
}

func TestReassignPendingMovesToSurvivor(t *testing.T) {
	m := NewManager()
	t1, _ := newTestTab("T1")
	t2, sock2 := newTestTab("T2")
	m.Registry.Add(t1)
	m.Registry.Add(t2)
	m.Registry.Acquire("T1")

	env := &translate.Envelope{SessionID: "s", BattleTarget: "a"}
	m.Broker.Open(&Pending{
		RequestID: "r1", TabID: "T1", Envelope: env, CreatedAt: time.Now(),
	})

	settings := &config.Settings{MaxRequestTransfers: 3}
	m.HandleDisconnect("T1", settings)

	frames := sock2.sent()
	require.Len(t, frames, 1)
	msg, ok := frames[0].(*RequestMessage)
	require.True(t, ok)
	assert.True(t, msg.IsTransfer)
	assert.Equal(t, 1, msg.TransferCount)
	assert.Equal(t, "T1", msg.OriginalTabID)
	assert.Same(t, env, msg.Payload)

	// accounting moved with the request
	loads := m.Registry.Loads()
	_, t1Present := loads["T1"]
	assert.False(t, t1Present)
	assert.Equal(t, 1, loads["T2"])

	p, _ := m.Broker.Pending("r1")
	assert.Equal(t, "T2", p.TabID)
	assert.True(t, p.TransferAllowed)
}

func TestReassignExhaustedBudgetTerminates(t *testing.T) {
	m := NewManager()
	t2, sock2 := newTestTab("T2")
	m.Registry.Add(t2)

	ch := m.Broker.Open(&Pending{
		RequestID: "r1", TabID: "T1", TransferCount: 3, CreatedAt: time.Now(),
	})

	settings := &config.Settings{MaxRequestTransfers: 3}
	m.ReassignPending("T1", settings)

	errFrame := <-ch
	obj, ok := errFrame.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, obj["error"], "3 transfer attempts")
	assert.Equal(t, "[DONE]", <-ch)
	assert.Empty(t, sock2.sent())
}

func TestReassignNoSurvivorTerminates(t *testing.T) {
	m := NewManager()
	ch := m.Broker.Open(&Pending{RequestID: "r1", TabID: "T1", CreatedAt: time.Now()})
	m.ReassignPending("T1", &config.Settings{MaxRequestTransfers: 3})

	obj := (<-ch).(map[string]any)
	assert.Contains(t, obj["error"], "no tab connected")
	assert.Equal(t, "[DONE]", <-ch)
}

func TestReassignSendFailureTerminates(t *testing.T) {
	m := NewManager()
	sock := &fakeSocket{fail: true}
	m.Registry.Add(NewTab("T2", sock))

	ch := m.Broker.Open(&Pending{
		RequestID: "r1", TabID: "T1",
		Envelope:  &translate.Envelope{SessionID: "s"},
		CreatedAt: time.Now(),
	})
	m.ReassignPending("T1", &config.Settings{MaxRequestTransfers: 3})

	obj := (<-ch).(map[string]any)
	assert.Contains(t, obj["error"], "reassignment failed")
}

func TestBrokerStale(t *testing.T) {
	b := NewBroker()
	b.Open(&Pending{RequestID: "old", TabID: "T1", CreatedAt: time.Now().Add(-15 * time.Minute)})
	b.Open(&Pending{RequestID: "fresh", TabID: "T1", CreatedAt: time.Now()})

	stale := b.Stale(10 * time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].RequestID)
}
