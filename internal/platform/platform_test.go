package platform_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/config"
	"github.com/SirClappington/triggerq/internal/platform"
	"github.com/SirClappington/triggerq/internal/queue"
)

func TestTracing(t *testing.T) {
	tp, err := platform.Tracing("triggerq-test", "none")
	require.NoError(t, err)
	_, span := tp.Tracer("t").Start(context.Background(), "x")
	assert.True(t, span.SpanContext().HasTraceID())
	span.End()
	require.NoError(t, platform.ShutdownTracing(context.Background(), tp))

	_, err = platform.Tracing("triggerq-test", "jaeger")
	require.Error(t, err)
}

func TestOpenStore_InvalidProfile(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFrom(map[string]string{"REDIS_HOST": " "})
	require.NoError(t, err)

	_, _, err = platform.OpenStore(context.Background(), cfg, zap.NewNop())
	var ce *queue.ConfigurationError
	require.ErrorAs(t, err, &ce)
}
