package logs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"mpiapp/internal/logging"
)

// PointerName is the symlink in the log directory that names the active run log.
const PointerName = "mpiapp.log"

// Entry is one decoded JSON log line.
type Entry struct {
	Time      time.Time
	Level     slog.Level
	Message   string
	Component string
	TaskID    int64
	Stage     string
	EventType string
	Attrs     map[string]any
}

// ParseEntry decodes line. Lines that are not JSON objects report false.
func ParseEntry(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Entry{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}
	e := Entry{Attrs: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "ts", slog.TimeKey:
			if s, ok := value.(string); ok {
				e.Time, _ = time.Parse(time.RFC3339Nano, s)
			}
		case slog.LevelKey:
			if s, ok := value.(string); ok {
				_ = e.Level.UnmarshalText([]byte(s))
			}
		case slog.MessageKey:
			e.Message, _ = value.(string)
		case logging.FieldComponent:
			e.Component, _ = value.(string)
		case logging.FieldStage:
			e.Stage, _ = value.(string)
		case logging.FieldEventType:
			e.EventType, _ = value.(string)
		case logging.FieldTaskID:
			if f, ok := value.(float64); ok {
				e.TaskID = int64(f)
			}
		default:
			e.Attrs[key] = value
		}
	}
	return e, true
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	MinLevel  slog.Level
	TaskID    int64
	Stage     string
	EventType string
}

// Match reports whether e passes every set criterion.
func (f Filter) Match(e Entry) bool {
	switch {
	case e.Level < f.MinLevel:
		return false
	case f.TaskID != 0 && e.TaskID != f.TaskID:
		return false
	case f.Stage != "" && e.Stage != f.Stage:
		return false
	case f.EventType != "" && e.EventType != f.EventType:
		return false
	}
	return true
}

// Format renders e on one line: time, level, subject, message, then the
// remaining attributes sorted by key.
func (e Entry) Format() string {
	var b strings.Builder
	if !e.Time.IsZero() {
		b.WriteString(e.Time.Local().Format("15:04:05.000"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%-5s", strings.ToUpper(e.Level.String()))
	if subject := e.subject(); subject != "" {
		b.WriteString(" [")
		b.WriteString(subject)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	for _, key := range slices.Sorted(maps.Keys(e.Attrs)) {
		if key == logging.FieldRunID || key == logging.FieldCorrelationID {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(formatValue(e.Attrs[key]))
	}
	return b.String()
}

func (e Entry) subject() string {
	var parts []string
	if e.Component != "" {
		parts = append(parts, e.Component)
	}
	if e.TaskID != 0 {
		parts = append(parts, "#"+strconv.FormatInt(e.TaskID, 10))
	}
	if e.Stage != "" {
		parts = append(parts, e.Stage)
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\"=") {
			return strconv.Quote(val)
		}
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// CurrentLog resolves the mpiapp.log pointer in logDir. Without a pointer it
// falls back to the newest mpiapp-*.log file.
func CurrentLog(logDir string) (string, error) {
	pointer := filepath.Join(logDir, PointerName)
	if target, err := filepath.EvalSymlinks(pointer); err == nil {
		return target, nil
	}
	matches, err := filepath.Glob(filepath.Join(logDir, "mpiapp-*.log"))
	if err != nil {
		return "", err
	}
	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = m, info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no run logs in %s", logDir)
	}
	return newest, nil
}
