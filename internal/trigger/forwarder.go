// Package trigger delivers claimed trigger commands to the service that
// runs the trigger use case.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/jobscope"
)

const DefaultTimeout = 30 * time.Second

// StatusError is a non-2xx answer from the trigger endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trigger endpoint: unexpected status %d: %s", e.Code, e.Body)
}

// Forwarder POSTs each command as JSON to a fixed endpoint, carrying the
// job's trace context in W3C headers.
type Forwarder struct {
	endpoint   string
	client     *http.Client
	propagator propagation.TextMapPropagator
}

func NewForwarder(endpoint string, client *http.Client) (*Forwarder, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("trigger endpoint %q: must be an absolute http(s) URL", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Forwarder{
		endpoint:   endpoint,
		client:     client,
		propagator: propagation.TraceContext{},
	}, nil
}

func (f *Forwarder) Execute(ctx context.Context, cmd domain.TriggerCommand) error {
	log := jobscope.Logger(ctx)

	body, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode trigger command")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build trigger request")
	}
	req.Header.Set("Content-Type", "application/json")
	if cmd.TransactionID != "" {
		req.Header.Set("X-Transaction-Id", cmd.TransactionID)
	}
	f.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "trigger POST")
	}
	defer resp.Body.Close() //nolint:errcheck
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	log.Debug("trigger delivered",
		zap.String("template", cmd.Template),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))
	return nil
}
