package llm

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// auditRecord is one line of the injection-attempt audit log.
type auditRecord struct {
	Time      string   `json:"time"`
	Field     string   `json:"field"`
	Patterns  []string `json:"patterns"`
	TextChars int      `json:"text_chars"`
}

var (
	auditMu     sync.Mutex
	auditWriter *lumberjack.Logger
)

// ConfigureAudit points the prompt-injection audit log at path, rotating it
// the way the teacher's longer-lived services rotate their own log files.
// Calling it with an empty path disables the audit sink; detections still
// reach slog either way.
func ConfigureAudit(path string) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if path == "" {
		auditWriter = nil
		return
	}
	auditWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}

func recordInjectionAttempt(field string, patterns []string, textChars int) {
	auditMu.Lock()
	w := auditWriter
	auditMu.Unlock()
	if w == nil {
		return
	}
	record := auditRecord{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Field:     field,
		Patterns:  patterns,
		TextChars: textChars,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		slog.Warn("llm: failed to write injection audit record", "error", err)
	}
}
