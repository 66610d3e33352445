package utils_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== SUCCESS CASES ==========

func TestLogger_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := utils.NewLogger(utils.LoggerConfig{Level: utils.INFO, Component: "chip", Output: &buf})

	logger.Debug("hidden")
	logger.Named("safety").With(utils.String("module", "cache")).Warn("Module quarantined", utils.Int("rollbacks", 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN ] [chip.safety] Module quarantined")
	assert.Contains(t, out, `module="cache" rollbacks=2`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestLogger_WithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := utils.NewLogger(utils.LoggerConfig{Level: utils.DEBUG, Output: &buf})
	_ = parent.With(utils.String("task", "t1"))

	parent.Info("plain")
	assert.NotContains(t, buf.String(), "task=")
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want utils.LogLevel
	}{
		{"", utils.INFO},
		{"debug", utils.DEBUG},
		{" Warning ", utils.WARN},
		{"ERROR", utils.ERROR},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := utils.ParseLevel(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGracefulShutdown_RunsHooksOnceInReverse(t *testing.T) {
	g := utils.NewGracefulShutdown(time.Second, utils.NopLogger())

	var order []string
	for _, name := range []string{"audit-file", "diagnostics"} {
		g.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, g.Shutdown(context.Background()))
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, []string{"diagnostics", "audit-file"}, order)
}

func TestGenerateToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := utils.GenerateToken()
		assert.True(t, strings.HasPrefix(tok, "tok_"))
		assert.False(t, seen[tok])
		seen[tok] = true
	}
	assert.Len(t, utils.GenerateID(), 36)
}

// ========== FAILURE CASES ==========

func TestParseLevel_Unknown(t *testing.T) {
	_, err := utils.ParseLevel("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestGracefulShutdown_JoinsHookErrors(t *testing.T) {
	g := utils.NewGracefulShutdown(time.Second, utils.NopLogger())
	boom := errors.New("boom")

	ran := false
	g.Register("first", func(context.Context) error { ran = true; return nil })
	g.Register("second", func(context.Context) error { return boom })

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second: boom")
	assert.True(t, ran, "a failing hook does not stop the rest")
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	g := utils.NewGracefulShutdown(10*time.Millisecond, utils.NopLogger())

	skipped := true
	g.Register("never", func(context.Context) error { skipped = false; return nil })
	g.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation timed out")
	assert.True(t, skipped)
}

func TestPanicError(t *testing.T) {
	cause := errors.New("nil map")
	assert.ErrorIs(t, utils.PanicError("cache.put", cause), cause)
	assert.Equal(t, "cache.put: panic: oops", utils.PanicError("cache.put", "oops").Error())
}
