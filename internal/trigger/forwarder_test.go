package trigger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/jobscope"
	"github.com/SirClappington/triggerq/internal/trigger"
)

func TestForwarder_PostsCommandWithTraceContext(t *testing.T) {
	t.Parallel()
	var (
		got         domain.TriggerCommand
		traceparent string
		txID        string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		traceparent = r.Header.Get("traceparent")
		txID = r.Header.Get("X-Transaction-Id")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	f, err := trigger.NewForwarder(srv.URL, srv.Client())
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	rn := jobscope.Runner{Logger: zap.NewNop(), Tracer: tp.Tracer("test")}

	cmd := domain.TriggerCommand{TransactionID: "tx-1", Template: "welcome", To: []string{"u1"}}
	var spanTraceID string
	err = rn.Run(context.Background(), domain.Job{ID: "j1", Queue: "trigger-handler"}, func(ctx context.Context) error {
		spanTraceID = jobscope.Transaction(ctx).SpanContext().TraceID().String()
		return f.Execute(ctx, cmd)
	})
	require.NoError(t, err)

	assert.Equal(t, cmd, got)
	assert.Equal(t, "tx-1", txID)
	assert.Contains(t, traceparent, spanTraceID)
}

func TestForwarder_NonSuccessStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "template not found", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	f, err := trigger.NewForwarder(srv.URL, nil)
	require.NoError(t, err)

	err = f.Execute(context.Background(), domain.TriggerCommand{Template: "missing"})
	var se *trigger.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.Equal(t, "template not found", se.Body)
}

func TestForwarder_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, err := trigger.NewForwarder(url, nil)
	require.NoError(t, err)
	require.Error(t, f.Execute(context.Background(), domain.TriggerCommand{Template: "t"}))
}

func TestNewForwarder_RejectsBadEndpoint(t *testing.T) {
	t.Parallel()
	for _, ep := range []string{"", "localhost:8080", "ftp://host/x", "http://"} {
		_, err := trigger.NewForwarder(ep, nil)
		assert.Error(t, err, ep)
	}
}
