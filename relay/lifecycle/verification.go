package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// VerificationGuard is the process-wide cool-down state machine for
// human-verification challenges. States: idle, refreshing (first challenge
// seen, browser told to refresh), cool-down (timer running). A new tab
// connection resets to idle; otherwise the timer expiry does.
type VerificationGuard struct {
	mu            sync.Mutex
	refreshing    bool
	cooldownUntil time.Time
	timer         *time.Timer
}

func NewVerificationGuard() *VerificationGuard {
	return &VerificationGuard{}
}

// Challenge records a detected challenge. On the first detection it starts
// the cool-down and calls notifyRefresh (used to send the browser a refresh
// command); repeated detections only report the remaining wait. The returned
// message is client-facing.
func (g *VerificationGuard) Challenge(notifyRefresh func()) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.refreshing {
		g.refreshing = true
		g.cooldownUntil = time.Now().Add(config.VerificationCooldown)
		logger.Logger.Warn("human verification detected, starting cool-down",
			zap.Duration("cooldown", config.VerificationCooldown))
		if notifyRefresh != nil {
			go notifyRefresh()
		}
		if g.timer != nil {
			g.timer.Stop()
		}
		g.timer = time.AfterFunc(config.VerificationCooldown, g.expire)
		return fmt.Sprintf(
			"Human verification detected; the browser was told to refresh. Cooling down for %d seconds, please retry later.",
			int(config.VerificationCooldown.Seconds()))
	}

	if remaining := g.remainingLocked(); remaining > 0 {
		return fmt.Sprintf("Waiting for human verification cool-down... (%d seconds remaining)", remaining)
	}
	return "Waiting for human verification to complete..."
}

func (g *VerificationGuard) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshing = false
	g.cooldownUntil = time.Time{}
	logger.Logger.Info("human verification cool-down ended")
}

// Reset clears the state, called when a fresh tab connects.
func (g *VerificationGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refreshing {
		logger.Logger.Info("human verification state cleared by new tab connection")
	}
	g.refreshing = false
	g.cooldownUntil = time.Time{}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Active reports whether tab-path admissions must be rejected, along with
// the client-visible remaining seconds. The displayed value is skewed a few
// seconds short of the real timer and clamped at zero.
func (g *VerificationGuard) Active() (bool, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.refreshing {
		return false, 0
	}
	return true, g.remainingLocked()
}

func (g *VerificationGuard) remainingLocked() int {
	remaining := time.Until(g.cooldownUntil) - config.VerificationDisplaySkew
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}
