package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/rollcall/internal/config"
	log "github.com/sirupsen/logrus"
)

// Init configures the global logger. Console output goes to stderr so stdout stays clean for
// command output; cfg.File, if set, receives a copy.
// The returned closer releases the log file and is never nil.
func Init(cfg config.LogConfig) io.Closer {
	return initWith(cfg, os.Stderr)
}

func initWith(cfg config.LogConfig, console io.Writer) io.Closer {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			// Continue without file logging if directory creation fails
			log.Errorf("Failed to create log directory '%s': %v", logDir, err)
		} else {
			file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
			if err != nil {
				log.Errorf("Failed to open log file '%s': %v", cfg.File, err)
			} else {
				writers = append(writers, file)
				closer = file
			}
		}
	}

	log.SetOutput(io.MultiWriter(writers...))
	if cfg.File != "" {
		log.Debugf("Logging additionally to file: %s", cfg.File)
	}
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
