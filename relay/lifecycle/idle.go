package lifecycle

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// idleCheckInterval is how often the watchdog compares idle time against the
// configured threshold.
const idleCheckInterval = 10 * time.Second

// Activity tracks the last time the bridge did useful work.
type Activity struct {
	mu   sync.Mutex
	last time.Time
}

func NewActivity() *Activity {
	return &Activity{last: time.Now()}
}

// Touch records activity now.
func (a *Activity) Touch() {
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
}

// IdleFor returns the time since the last recorded activity.
func (a *Activity) IdleFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.last)
}

// SettingsFn returns the current settings snapshot.
type SettingsFn func() *config.Settings

// StartIdleRestart runs the idle watchdog. When the idle threshold is
// exceeded it replaces the process image with a fresh copy of the same
// binary and arguments; restart does not return on success.
func StartIdleRestart(stop <-chan struct{}, settings SettingsFn, activity *Activity) {
	go func() {
		ticker := time.NewTicker(idleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s := settings()
				if s == nil || !s.EnableIdleRestart {
					continue
				}
				threshold := time.Duration(s.IdleRestartTimeoutSeconds) * time.Second
				if threshold <= 0 {
					continue
				}
				if idle := activity.IdleFor(); idle > threshold {
					logger.Logger.Warn("idle threshold exceeded, restarting process",
						zap.Duration("idle", idle), zap.Duration("threshold", threshold))
					restartProcess()
				}
			}
		}
	}()
}

func restartProcess() {
	exe, err := os.Executable()
	if err != nil {
		logger.Logger.Error("cannot resolve executable for restart", zap.Error(err))
		return
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		logger.Logger.Error("exec restart failed", zap.Error(err))
	}
}
