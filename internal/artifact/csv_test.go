package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRow(t *testing.T, pairs map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[k] = b
	}
	return out
}

func TestExtractHeadersFromRowSortsKeys(t *testing.T) {
	row := rawRow(t, map[string]any{"b": 1, "a": 2, "c": 3})
	headers := ExtractHeadersFromRow(row)
	assert.Equal(t, []string{"a", "b", "c"}, headers)
}

func TestValueToCSVFieldHandlesTypes(t *testing.T) {
	marshal := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	assert.Equal(t, "", ValueToCSVField(marshal(nil)))
	assert.Equal(t, "true", ValueToCSVField(marshal(true)))
	assert.Equal(t, "false", ValueToCSVField(marshal(false)))
	assert.Equal(t, "42", ValueToCSVField(marshal(42)))
	assert.Equal(t, "hello", ValueToCSVField(marshal("hello")))
	assert.Equal(t, `[1,2]`, ValueToCSVField(marshal([]int{1, 2})))
}

func TestBuildCSVRecordUsesHeadersOrder(t *testing.T) {
	row := rawRow(t, map[string]any{"b": "two", "a": "one"})
	record := BuildCSVRecord(row, []string{"a", "b", "missing"})
	assert.Equal(t, []string{"one", "two", ""}, record)
}

func TestCSVShardWriterSplitsAtThreshold(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVShardWriter(dir, "success", 2, nil)

	headers := []string{"i"}
	for i := 0; i < 5; i++ {
		row := rawRow(t, map[string]any{"i": i})
		require.NoError(t, w.WriteRow(headers, row, nil))
	}

	names, total, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Equal(t, []string{"success.csv", "success-part-2.csv", "success-part-3.csv"}, names)

	for _, name := range names {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestCSVShardWriterWithExtraHeadersNeverOpensWithZeroRows(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVShardWriter(dir, "errors", 50000, []string{"__error_message", "__status_code"})

	names, total, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, names)

	_, statErr := os.Stat(filepath.Join(dir, "errors.csv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTruncateExcerptReservesSuffixBytes(t *testing.T) {
	body := make([]byte, 600)
	for i := range body {
		body[i] = 'a'
	}
	excerpt := TruncateExcerpt(string(body), 512)
	assert.Equal(t, 512, len(excerpt))
	assert.Contains(t, excerpt, "…")
}

func TestTruncateExcerptLeavesShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "short", TruncateExcerpt("short", 512))
}
