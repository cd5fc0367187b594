package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/logger"
)

// writeRequestLogFile writes one finished request as a standalone JSON
// file under <logDir>/YYYYMMDD/HH/. The per-hour directory layout keeps
// the tree browsable even under heavy traffic.
func (s *Service) writeRequestLogFile(info *RequestInfo) {
	ts := time.Unix(int64(info.Timestamp), 0)
	dir := filepath.Join(s.logDir, ts.Format("20060102"), ts.Format("15"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Logger.Error("cannot create request log dir", zap.String("dir", dir), zap.Error(err))
		return
	}

	name := safeModelName(info.Model) + "_" + ts.Format("20060102_1504") + "_" + shorten(info.RequestID) + ".json"
	path := filepath.Join(dir, name)

	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		logger.Logger.Error("cannot encode request log", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		logger.Logger.Error("cannot write request log file", zap.String("path", path), zap.Error(err))
	}
}

// safeModelName makes a model id usable as a filename component.
func safeModelName(name string) string {
	if name == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "-",
		"?", "-", `"`, "-", "<", "-", ">", "-", "|", "-",
	)
	safe := replacer.Replace(name)
	if len(safe) > 50 {
		safe = safe[:50]
	}
	return safe
}
