package daemon

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kinshipd/kinship/internal/config"
)

// NewLogger builds the daemon's root logger. With a log file configured
// output goes to both stderr and a size-rotated file; otherwise stderr
// only. The returned closer stops the rotation writer.
func NewLogger(cfg config.LogConfig) (*log.Logger, io.Closer) {
	if cfg.File == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	out := io.MultiWriter(os.Stderr, rotator)
	return log.New(out, "[daemon] ", log.LstdFlags), rotator
}
