package common

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

var (
	Port   = flag.Int("port", 5102, "the listening port")
	LogDir = flag.String("log-dir", "./logs", "specify the log directory")
)

func Init() {
	flag.Parse()

	SQLitePath = config.SQLitePath
	if *LogDir != "" {
		expanded := expandLogDirPath(*LogDir)
		lg := logger.Logger.With(zap.String("log_dir", expanded))

		var err error
		expanded, err = filepath.Abs(expanded)
		if err != nil {
			lg.Fatal("failed to get absolute log dir", zap.Error(err))
		}

		if err = os.MkdirAll(expanded, 0o777); err != nil {
			lg.Fatal("failed to create log dir", zap.Error(err))
		}

		logger.LogDir = expanded
		*LogDir = expanded
	}
}
