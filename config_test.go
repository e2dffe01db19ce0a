package asyncio

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeParams(t *testing.T) {
	params := DefaultRuntimeParams()

	assert.Equal(t, DriverAuto, params.DriverKind)
	assert.Equal(t, runtime.NumCPU(), params.ExecutorPoolSize)
	assert.Equal(t, 64, params.ExecutorQueueDepth)
	assert.Equal(t, 64, params.EventBridgeCapacity)
	require.NotZero(t, params.Driver.SubmissionEntries, "DefaultDriverConfig should size the ring")
}

func TestOptionsDefaultsAppliedByNewRuntimeWithDriver(t *testing.T) {
	driver := NewFakeDriver(Capabilities{MaxSubmissions: 8, MaxCompletions: 8})
	rt, err := newRuntimeWithDriver(context.Background(), driver, RuntimeParams{
		ExecutorPoolSize:    1,
		EventBridgeCapacity: 4,
	}, nil)
	require.NoError(t, err)
	defer Shutdown(context.Background(), rt)

	assert.True(t, rt.IsRunning())
	assert.NotNil(t, rt.Metrics())
}
