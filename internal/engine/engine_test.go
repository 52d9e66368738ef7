package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdvflow/engine/internal/dispatch"
)

func rawRow(t *testing.T, v any) mapRow {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out mapRow
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestCeilDivRoundsUpAndHandlesZero(t *testing.T) {
	assert.Equal(t, 0, ceilDiv(0, 100))
	assert.Equal(t, 0, ceilDiv(-5, 100))
	assert.Equal(t, 1, ceilDiv(1, 100))
	assert.Equal(t, 2, ceilDiv(101, 100))
	assert.Equal(t, 1, ceilDiv(100, 100))
}

func TestChunkRowsSplitsIntoFixedSizeGroups(t *testing.T) {
	rows := []mapRow{
		rawRow(t, map[string]any{"id": 1}),
		rawRow(t, map[string]any{"id": 2}),
		rawRow(t, map[string]any{"id": 3}),
		rawRow(t, map[string]any{"id": 4}),
		rawRow(t, map[string]any{"id": 5}),
	}

	chunks := chunkRows(rows, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)
	assert.Len(t, chunks[2], 1)
}

func TestChunkRowsTreatsNonPositiveSizeAsOneChunk(t *testing.T) {
	rows := []mapRow{rawRow(t, map[string]any{"id": 1}), rawRow(t, map[string]any{"id": 2})}
	chunks := chunkRows(rows, 0)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 2)

	assert.Nil(t, chunkRows(nil, 0))
}

func TestErrorMessageForCombinesStatusAndExcerpt(t *testing.T) {
	status := 500
	errMsg := "HTTP 500"
	excerpt := "boom"
	msg := errorMessageFor(dispatch.Result{Status: &status, Error: &errMsg, ResponseExcerpt: &excerpt})
	assert.Equal(t, "HTTP 500 | boom", msg)
}

func TestErrorMessageForWithoutExcerptUsesErrorAlone(t *testing.T) {
	errMsg := "connection refused"
	msg := errorMessageFor(dispatch.Result{Error: &errMsg})
	assert.Equal(t, "connection refused", msg)
}

func TestSleepOrCancelReturnsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := sleepOrCancel(ctx, time.Second)
	assert.Error(t, err)
}

func TestSleepOrCancelReturnsNilForNonPositiveDuration(t *testing.T) {
	assert.NoError(t, sleepOrCancel(t.Context(), 0))
}
