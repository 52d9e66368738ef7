// Package artifact implements the durable artifact writers (C2): sharded
// CSV writers, the JSONL request logger, the manifest serializer, and the
// ZIP packager that assembles a run's finished output.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// CSVShardWriter writes rows to a sequence of CSV shard files under dir,
// splitting to a new shard whenever the current one reaches threshold rows
// (threshold <= 0 disables splitting). The header row — base columns plus
// a fixed set of trailing extra columns — is fixed by the first call to
// WriteRow and repeated verbatim at the top of every shard.
type CSVShardWriter struct {
	dir          string
	prefix       string
	threshold    int
	extraHeaders []string

	baseHeaders []string
	filenames   []string
	currentRows int
	totalRows   int64

	file   *os.File
	buf    *bufio.Writer
	writer *csv.Writer
}

// NewCSVShardWriter builds a writer for shard files named "<prefix>.csv",
// "<prefix>-part-2.csv", "<prefix>-part-3.csv", etc.
func NewCSVShardWriter(dir, prefix string, threshold int, extraHeaders []string) *CSVShardWriter {
	return &CSVShardWriter{
		dir:          dir,
		prefix:       prefix,
		threshold:    threshold,
		extraHeaders: extraHeaders,
	}
}

func (w *CSVShardWriter) shardName(index int) string {
	if index == 0 {
		return fmt.Sprintf("%s.csv", w.prefix)
	}
	return fmt.Sprintf("%s-part-%d.csv", w.prefix, index+1)
}

func (w *CSVShardWriter) startShard() error {
	name := w.shardName(len(w.filenames))
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("artifact: create shard %s: %w", name, err)
	}
	buf := bufio.NewWriter(f)
	cw := csv.NewWriter(buf)

	header := make([]string, 0, len(w.baseHeaders)+len(w.extraHeaders))
	header = append(header, w.baseHeaders...)
	header = append(header, w.extraHeaders...)
	if err := cw.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("artifact: write shard header: %w", err)
	}

	w.file, w.buf, w.writer = f, buf, cw
	w.currentRows = 0
	w.filenames = append(w.filenames, name)
	return nil
}

func (w *CSVShardWriter) closeCurrent() error {
	if w.writer == nil {
		return nil
	}
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("artifact: flush shard: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("artifact: flush shard buffer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("artifact: close shard: %w", err)
	}
	w.file, w.buf, w.writer = nil, nil, nil
	w.currentRows = 0
	return nil
}

// WriteRow projects row onto baseHeaders (the first call fixes this schema
// for every subsequent shard), appends extras in order, and writes one CSV
// record. baseHeaders must be the same slice (by value) on every call for a
// given writer — the engine derives it once, from the first streamed row.
func (w *CSVShardWriter) WriteRow(baseHeaders []string, row map[string]json.RawMessage, extras []string) error {
	if w.writer == nil {
		w.baseHeaders = baseHeaders
		if err := w.startShard(); err != nil {
			return err
		}
	}
	if w.threshold > 0 && w.currentRows >= w.threshold {
		if err := w.closeCurrent(); err != nil {
			return err
		}
		if err := w.startShard(); err != nil {
			return err
		}
	}

	record := BuildCSVRecord(row, w.baseHeaders)
	record = append(record, extras...)
	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("artifact: write row: %w", err)
	}
	w.currentRows++
	w.totalRows++
	return nil
}

// Finish flushes and closes the current shard (if any) and returns the
// ordered shard filenames plus the total row count written.
func (w *CSVShardWriter) Finish() ([]string, int64, error) {
	if err := w.closeCurrent(); err != nil {
		return nil, 0, err
	}
	return w.filenames, w.totalRows, nil
}

// ValueToCSVField renders a single decoded JSON value as a CSV field:
// null becomes empty, booleans and numbers their canonical text, strings
// verbatim, and anything else (array/object) its compact JSON form.
func ValueToCSVField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "true"
		}
		return "false"
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return string(raw)
}

// ExtractHeadersFromRow returns the lexically sorted key set of a decoded
// JSON object row.
func ExtractHeadersFromRow(row map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildCSVRecord projects row onto headers, in order, missing keys become
// empty fields.
func BuildCSVRecord(row map[string]json.RawMessage, headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		if v, ok := row[h]; ok {
			out[i] = ValueToCSVField(v)
		}
	}
	return out
}
