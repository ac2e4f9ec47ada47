// Package logging wires logrus into the gateway: a compact line format
// shared by every component, optional file output with rotation, gin
// middleware, and the per-request exchange logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modelrelay/modelrelay/internal/config"
)

var (
	baseLoggerOnce sync.Once
	outputMu       sync.Mutex
)

// logFieldOrder fixes the order of well-known fields in a log line so
// lines stay grep-friendly. Unknown fields follow alphabetically.
var logFieldOrder = []string{"provider", "model", "upstream", "chunks", "attempt", "status", "reason"}

// LogFormatter renders entries as
//
//	[timestamp] [request-id] [level] [file:line] message key=value ...
//
// The request-id segment is omitted when the entry carries none.
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder

	b.WriteString("[")
	b.WriteString(entry.Time.Format("2006-01-02 15:04:05"))
	b.WriteString("]")

	if requestID, ok := entry.Data[RequestIDFieldKey].(string); ok && requestID != "" {
		b.WriteString(" [")
		b.WriteString(requestID)
		b.WriteString("]")
	}

	b.WriteString(" [")
	b.WriteString(strings.ToUpper(entry.Level.String()))
	b.WriteString("]")

	if entry.Caller != nil {
		b.WriteString(" [")
		b.WriteString(filepath.Base(entry.Caller.File))
		b.WriteString(":")
		fmt.Fprintf(&b, "%d", entry.Caller.Line)
		b.WriteString("]")
	}

	b.WriteString(" ")
	b.WriteString(entry.Message)

	writeOrderedFields(&b, entry.Data)

	b.WriteString("\n")
	return []byte(b.String()), nil
}

func writeOrderedFields(b *strings.Builder, data log.Fields) {
	if len(data) == 0 {
		return
	}
	written := map[string]bool{RequestIDFieldKey: true}
	for _, key := range logFieldOrder {
		if value, ok := data[key]; ok {
			fmt.Fprintf(b, " %s=%v", key, value)
			written[key] = true
		}
	}
	rest := make([]string, 0, len(data))
	for key := range data {
		if !written[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		fmt.Fprintf(b, " %s=%v", key, data[key])
	}
}

// SetupBaseLogger installs the shared formatter and routes gin's debug
// output through logrus. Safe to call more than once; only the first
// call takes effect.
func SetupBaseLogger(cfg *config.Config) {
	baseLoggerOnce.Do(func() {
		log.SetFormatter(&LogFormatter{})
		log.SetReportCaller(true)
		SetLogLevel(cfg)

		gin.DefaultWriter = log.StandardLogger().WriterLevel(log.DebugLevel)
		gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.Debugf(strings.TrimSuffix(format, "\n"), values...)
		}
	})
}

// SetLogLevel applies the configured verbosity. Called at startup and again
// on every configuration reload.
func SetLogLevel(cfg *config.Config) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if cfg != nil && cfg.Debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s", currentLevel, newLevel)
	}
}

// ConfigureLogOutput points the standard logger at stdout or, when
// logging-to-file is enabled, at a rotating file under cfg.LogDir. It also
// (re)configures the log directory size cap.
func ConfigureLogOutput(cfg *config.Config) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if cfg == nil || !cfg.LoggingToFile {
		stopLogDirCleanerLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	mainLog := filepath.Join(logDir, "main.log")
	rotator := &lumberjack.Logger{
		Filename:  mainLog,
		MaxSize:   10,
		MaxAge:    28,
		LocalTime: true,
		Compress:  true,
	}
	if cfg.Debug {
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	} else {
		log.SetOutput(rotator)
	}
	configureLogDirCleanerLocked(logDir, cfg.LogsMaxTotalSizeMB, mainLog)
	return nil
}
