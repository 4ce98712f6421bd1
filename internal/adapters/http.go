package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

const maxResponseBytes = 4 << 20

// HTTPAdapter talks to a JSON tool server. Operations are POSTed to
// {base}/{operation} with the params as the request body.
type HTTPAdapter struct {
	name    string
	base    string
	client  *http.Client
	checker *health.HTTPChecker
}

// NewHTTPAdapter creates an adapter for base. healthPath defaults to /health.
func NewHTTPAdapter(name, base, healthPath string, timeout time.Duration) (*HTTPAdapter, error) {
	if base == "" {
		return nil, errors.NewConfigurationMismatch("services.target", name+": http target is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if healthPath == "" {
		healthPath = "/health"
	}
	base = strings.TrimRight(base, "/")

	return &HTTPAdapter{
		name:    name,
		base:    base,
		client:  &http.Client{Timeout: timeout},
		checker: health.NewHTTPChecker(base+"/"+strings.TrimLeft(healthPath, "/"), name, timeout),
	}, nil
}

func (a *HTTPAdapter) Name() string { return a.name }

// Check probes the health endpoint
func (a *HTTPAdapter) Check(ctx context.Context) *health.Check {
	return a.checker.Check(ctx)
}

// Connect succeeds when the health endpoint answers without a server error
func (a *HTTPAdapter) Connect(ctx context.Context) (connection.Client, error) {
	check := a.checker.Check(ctx)
	if check.Status == health.StatusUnhealthy {
		return nil, errors.NewConnectionFailed(a.name, check.Reason())
	}
	return &session{call: a.call}, nil
}

func (a *HTTPAdapter) call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	if operation == "" {
		return nil, errors.NewValidationFailed("operation is required")
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidationFailed, err, "encode params", nil)
	}

	url := a.base + "/" + strings.TrimLeft(operation, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindConnectionFailed, err, "", map[string]interface{}{
			"service":   a.name,
			"operation": operation,
		})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}

	if resp.StatusCode >= 300 {
		kind := errors.KindValidationFailed
		if resp.StatusCode >= 500 {
			kind = errors.KindConnectionFailed
		}
		return nil, errors.Classify(kind, fmt.Sprintf("%s %s returned status %d", a.name, operation, resp.StatusCode),
			map[string]interface{}{"service": a.name, "status_code": resp.StatusCode, "body": truncate(string(raw), 256)})
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw), nil
	}
	return out, nil
}

// Close releases idle keep-alive connections
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
