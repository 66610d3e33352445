package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

// ========== SUCCESS CASES ==========

func TestLog_AppendOrder(t *testing.T) {
	log := NewLog(WithLogger(utils.NopLogger()))

	log.Append("t1", "io_bus", "emit", map[string]any{"channel": "speaker"})
	log.Append("t2", "io_bus", "emit", nil)
	log.Append("t1", "io_bus", "emit", nil)

	events := log.Events()
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.Equal(t, "speaker", events[0].Details["channel"])
	assert.Len(t, log.ForTask("t1"), 2)
}

func TestLog_ReturnedEventsAreCopies(t *testing.T) {
	log := NewLog(WithLogger(utils.NopLogger()))
	details := map[string]any{"k": "v"}
	log.Append("t1", "io_bus", "emit", details)

	details["k"] = "mutated"
	events := log.Events()
	events[0].Details["k"] = "mutated"
	events[0].Tag = "rewritten"

	fresh := log.Events()
	assert.Equal(t, "v", fresh[0].Details["k"])
	assert.Equal(t, "emit", fresh[0].Tag)
}

func TestLog_Recent(t *testing.T) {
	log := NewLog(WithLogger(utils.NopLogger()))
	for i := 0; i < 5; i++ {
		log.Append("t", "m", "tag", nil)
	}

	testCases := []struct {
		n       int
		wantLen int
		first   uint64
	}{
		{0, 0, 0},
		{2, 2, 4},
		{10, 5, 1},
	}
	for _, tc := range testCases {
		recent := log.Recent(tc.n)
		require.Len(t, recent, tc.wantLen)
		if tc.wantLen > 0 {
			assert.Equal(t, tc.first, recent[0].Seq)
		}
	}
}

func TestLog_SinkMirrorsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)
	log := NewLog(WithSink(&buf), WithClock(func() time.Time { return fixed }), WithLogger(utils.NopLogger()))

	log.Append("t1", "io_bus", "emit", map[string]any{"n": 1})
	log.Append("t2", "io_bus", "emit", nil)

	scanner := bufio.NewScanner(&buf)
	var lines []Event
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "t2", lines[1].TaskID)
	assert.True(t, fixed.Equal(lines[0].Timestamp))
}

// ========== FAILURE CASES ==========

func TestLog_SinkFailureDoesNotLoseEvent(t *testing.T) {
	log := NewLog(WithSink(failingWriter{}), WithLogger(utils.NopLogger()))
	log.Append("t1", "io_bus", "emit", nil)

	assert.Equal(t, 1, log.Len())
	assert.Equal(t, uint64(1), log.SinkErrors())
}
