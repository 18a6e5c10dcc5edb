// Package logging initializes the process-wide zerolog logger.
package logging

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures zerolog with sane defaults. If logPath is non-empty, logs
// are written there instead of stdout; if the file cannot be opened, logging
// falls back to stdout and the error is printed to stderr.
func Init(logPath, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			log.Logger = log.Output(f).With().Timestamp().Logger()
			finishInit(level)
			return
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(os.Stdout).With().Timestamp().Logger()
	finishInit(level)
}

func finishInit(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}
