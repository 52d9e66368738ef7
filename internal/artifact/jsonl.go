package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// JSONLWriter is an append-only writer of one compact JSON object per line.
type JSONLWriter struct {
	file *os.File
	buf  *bufio.Writer
}

// NewJSONLWriter creates (truncating) path and wraps it for line-delimited
// JSON writes.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: create log: %w", err)
	}
	return &JSONLWriter{file: f, buf: bufio.NewWriter(f)}, nil
}

// WriteEntry marshals v to compact JSON and appends it as one line.
func (w *JSONLWriter) WriteEntry(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: encode log entry: %w", err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("artifact: write log entry: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("artifact: write log newline: %w", err)
	}
	return nil
}

// Finish flushes buffered writes and closes the file.
func (w *JSONLWriter) Finish() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("artifact: flush log: %w", err)
	}
	return w.file.Close()
}

// ReadJSONLTail parses every well-formed line in path (skipping malformed
// ones) and returns the last limit entries, in original order.
func ReadJSONLTail[T any](path string, limit int) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry T
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("artifact: scan log: %w", err)
	}

	if limit <= 0 || len(all) <= limit {
		return all, nil
	}
	return all[len(all)-limit:], nil
}
