package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TextFormatter formats log entries as human-readable text.
type TextFormatter struct {
	// TimestampFormat is the format for timestamps.
	TimestampFormat string
	// DisableTimestamp disables timestamp output.
	DisableTimestamp bool
	// DisableSorting disables sorting of fields.
	DisableSorting bool
}

// NewTextFormatter creates a new text formatter.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
}

// Format formats a log entry as text.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		buf.WriteByte(' ')
	}

	fmt.Fprintf(&buf, "[%s] ", entry.Level.String())

	if entry.RequestID != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.RequestID)
	}

	if entry.Component != "" {
		buf.WriteString(entry.Component)
		buf.WriteString(": ")
	}

	buf.WriteString(entry.Message)

	if fields := f.formatFields(entry); fields != "" {
		buf.WriteString(" | ")
		buf.WriteString(fields)
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *TextFormatter) formatFields(entry *Entry) string {
	// request_id and component already appear in the header.
	skip := map[string]bool{"request_id": true, "component": true}

	var pairs []string
	for k, v := range entry.Fields {
		if skip[k] {
			continue
		}

		var valueStr string
		switch val := v.(type) {
		case error:
			valueStr = fmt.Sprintf("%q", val.Error())
		case string:
			if strings.Contains(val, " ") {
				valueStr = fmt.Sprintf("%q", val)
			} else {
				valueStr = val
			}
		default:
			valueStr = fmt.Sprintf("%v", v)
		}

		pairs = append(pairs, fmt.Sprintf("%s=%s", k, valueStr))
	}

	if !f.DisableSorting {
		sort.Strings(pairs)
	}
	return strings.Join(pairs, " ")
}

// JSONFormatter formats log entries as JSON, one object per line.
type JSONFormatter struct {
	// TimestampFormat is the format for timestamps.
	TimestampFormat string
}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Format formats a log entry as JSON.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	data["timestamp"] = entry.Timestamp.Format(f.TimestampFormat)

	for k, v := range entry.Fields {
		if err, ok := v.(error); ok {
			data[k] = err.Error()
		} else {
			data[k] = v
		}
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}
