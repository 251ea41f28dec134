package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapter_Fields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := NewZapAdapter(zap.New(core))

	adapter.Info("Activity completed", "run_id", "r1", "attempt", 2, "callback", func() {}, "dangling")
	adapter.With("workflow", "DiagnosisWorkflow").Warn("Retrying", "error", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "temporal", first["component"])
	assert.Equal(t, "r1", first["run_id"])
	assert.EqualValues(t, 2, first["attempt"])
	assert.Equal(t, "<func>", first["callback"])
	assert.Equal(t, "dangling", first["extra"])

	second := entries[1].ContextMap()
	assert.Equal(t, "DiagnosisWorkflow", second["workflow"])
	assert.Equal(t, "boom", second["error"])
}

func TestZapAdapter_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewZapAdapter(nil).Debug("nothing", "k", nil)
	})
}
