package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"tradedesk/internal/config"
)

// New returns the process logger and the writer behind it. With a log file
// configured, output is rotated by size and age.
func New(cfg config.Log, prefix string) (*log.Logger, io.Writer) {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	return log.New(out, prefix, log.LstdFlags|log.LUTC), out
}
