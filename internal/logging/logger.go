// Package logging configures the shared logrus instance used across authkit.
// It provides a compact bracketed formatter and optional rotating file output.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Formatter renders log entries as
// [2026-08-30 10:02:41] [debug] [scheduler.go:87] refresh timer armed provider=google
type Formatter struct{}

// logFieldOrder defines the display order for common log fields.
var logFieldOrder = []string{"provider", "state", "status", "kind", "origin", "expires_at", "path", "error"}

// Format renders a single log entry with the custom layout.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range logFieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	var formatted string
	if entry.Caller != nil {
		formatted = fmt.Sprintf("[%s] [%s] [%s:%d] %s%s\n", timestamp, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s%s\n", timestamp, levelStr, message, fieldsStr)
	}
	buffer.WriteString(formatted)

	return buffer.Bytes(), nil
}

// Setup configures the shared logrus instance. It is safe to call multiple
// times; initialization happens only once.
func Setup() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
		log.RegisterExitHandler(closeLogOutput)
	})
}

// SetLevel parses and applies a textual log level, defaulting to info.
func SetLevel(level string) {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// ConfigureOutput switches the global log destination between a rotating
// file under logDir and stdout. maxDirSizeMB caps the total size of the log
// directory; 0 disables the background cleaner.
func ConfigureOutput(logDir string, toFile bool, maxDirSizeMB int) error {
	Setup()

	writerMu.Lock()
	defer writerMu.Unlock()

	if toFile {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("logging: failed to create log directory: %w", err)
		}
		if logWriter != nil {
			_ = logWriter.Close()
		}
		logWriter = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "authkit.log"),
			MaxSize:    10,
			MaxBackups: 3,
			Compress:   false,
		}
		log.SetOutput(logWriter)
		startLogRetentionLocked(logDir, maxDirSizeMB, logWriter.Filename)
		return nil
	}

	stopLogRetentionLocked()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	log.SetOutput(os.Stdout)
	return nil
}

func closeLogOutput() {
	writerMu.Lock()
	defer writerMu.Unlock()

	stopLogRetentionLocked()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}
