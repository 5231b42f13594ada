package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/config"
)

func TestInit_Disabled(t *testing.T) {
	t.Parallel()
	p, err := Init(config.TelemetryConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, p)

	// Shutdown on noop providers must not error.
	assert.NoError(t, p.Shutdown(context.Background()))
}
