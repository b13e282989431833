package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vietddude/intake/internal/core/config"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), config.TelemetryConfig{Enabled: true})
	require.NoError(t, err, "missing endpoint disables tracing")
	require.NoError(t, shutdown(context.Background()))
}
