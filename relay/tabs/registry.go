package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// TabCapacityAdvisory matches the browser's HTTP/1.1 per-origin concurrency.
// The balancer does not block past it, only logs.
const TabCapacityAdvisory = 6

var (
	// ErrNoTabs means the tab path was chosen but nothing is connected.
	ErrNoTabs = errors.New("no browser tab connected")
	// ErrSelectTimeout means selection could not complete within the window.
	ErrSelectTimeout = errors.New("tab selection timed out")
)

// Registry owns the connected tabs and their in-flight counters. The mutex
// is held only for map composition, never across a socket write.
type Registry struct {
	mu     sync.Mutex
	tabs   map[string]*Tab
	counts map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		tabs:   map[string]*Tab{},
		counts: map[string]int{},
	}
}

// Add registers a tab under its id, replacing any previous socket with the
// same id.
func (r *Registry) Add(tab *Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs[tab.ID] = tab
	if _, ok := r.counts[tab.ID]; !ok {
		r.counts[tab.ID] = 0
	}
	logger.Logger.Info("tab connected",
		zap.String("tab_id", tab.ID), zap.Int("tabs", len(r.tabs)))
}

// Remove drops a tab and its counter, logging any residual in-flight count.
// The returned residual lets the caller reconcile accounting.
func (r *Registry) Remove(tabID string) (residual int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	residual = r.counts[tabID]
	delete(r.counts, tabID)
	delete(r.tabs, tabID)
	if residual > 0 {
		logger.Logger.Warn("tab removed with in-flight requests",
			zap.String("tab_id", tabID), zap.Int("residual", residual))
	} else {
		logger.Logger.Info("tab removed", zap.String("tab_id", tabID))
	}
	return residual
}

// Count returns the number of connected tabs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// Get returns the tab for an id.
func (r *Registry) Get(tabID string) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[tabID]
	return tab, ok
}

// Any returns an arbitrary connected tab, used for broadcast-style commands
// such as the verification refresh.
func (r *Registry) Any() (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tab := range r.tabs {
		return tab, true
	}
	return nil, false
}

// All returns a snapshot of the connected tabs.
func (r *Registry) All() []*Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, tab)
	}
	return out
}

// Loads returns a snapshot of per-tab in-flight counts.
func (r *Registry) Loads() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for id, n := range r.counts {
		out[id] = n
	}
	return out
}

func (r *Registry) selectBestLocked() (*Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tabs) == 0 {
		return nil, errors.WithStack(ErrNoTabs)
	}

	// sweep counters for tabs that are gone
	for id := range r.counts {
		if _, ok := r.tabs[id]; !ok {
			delete(r.counts, id)
		}
	}
	for id := range r.tabs {
		if _, ok := r.counts[id]; !ok {
			r.counts[id] = 0
		}
	}

	var best *Tab
	bestLoad := -1
	for id, tab := range r.tabs {
		load := r.counts[id]
		if bestLoad < 0 || load < bestLoad {
			best = tab
			bestLoad = load
		}
	}
	r.counts[best.ID]++
	if r.counts[best.ID] > TabCapacityAdvisory {
		logger.Logger.Warn("tab above advisory capacity",
			zap.String("tab_id", best.ID), zap.Int("load", r.counts[best.ID]))
	}
	return best, nil
}

// SelectBest picks the least-loaded connected tab and increments its counter.
// The whole operation is bounded so a deadlock surfaces as an error instead
// of a hung request.
func (r *Registry) SelectBest(ctx context.Context) (*Tab, error) {
	type result struct {
		tab *Tab
		err error
	}
	done := make(chan result, 1)
	go func() {
		tab, err := r.selectBestLocked()
		done <- result{tab, err}
	}()

	timer := time.NewTimer(config.TabSelectTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.tab, res.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "tab selection")
	case <-timer.C:
		logger.Logger.Error("tab selection timed out",
			zap.Int("tabs", r.Count()), zap.Any("loads", r.Loads()))
		return nil, errors.WithStack(ErrSelectTimeout)
	}
}

// Acquire increments a specific tab's counter, used when a request is bound
// to a tab outside SelectBest (reassignment).
func (r *Registry) Acquire(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[tabID]++
}

// Release decrements a tab's counter, clamped at zero.
func (r *Registry) Release(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[tabID] > 0 {
		r.counts[tabID]--
	}
}

// LeastLoaded returns the least-loaded tab without touching counters.
func (r *Registry) LeastLoaded() (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Tab
	bestLoad := -1
	for id, tab := range r.tabs {
		load := r.counts[id]
		if bestLoad < 0 || load < bestLoad {
			best = tab
			bestLoad = load
		}
	}
	return best, best != nil
}
