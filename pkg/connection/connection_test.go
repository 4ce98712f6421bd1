package connection

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
)

func TestFallbackConnection_NeverErrors(t *testing.T) {
	responders := map[string]Responder{
		"nil responder": nil,
		"returns data": func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"cached": true, "op": op}, nil
		},
		"returns error": func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("stand-in broken")
		},
		"panics": func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
			panic("stand-in exploded")
		},
		"returns nil data": func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}
	params := []map[string]interface{}{
		nil,
		{},
		{"path": "/tmp", "depth": 3, "nested": map[string]interface{}{"x": []int{1}}},
	}

	for name, responder := range responders {
		t.Run(name, func(t *testing.T) {
			conn := NewFallbackConnection("memory", "offline", responder, logging.NewNopLogger())
			assert.Equal(t, KindFallback, conn.Kind())
			assert.Equal(t, "memory", conn.Service())

			for _, p := range params {
				var (
					res resilience.Result
					err error
				)
				require.NotPanics(t, func() {
					res, err = conn.Execute(context.Background(), "read", p)
				})
				require.NoError(t, err)
				assert.True(t, res.Success)
				assert.True(t, res.Degraded)
				assert.Equal(t, resilience.MethodFallback, res.Method)
				assert.Equal(t, "memory unavailable, using offline", res.Message)
				assert.NotNil(t, res.Data)
			}
		})
	}
}

func TestFallbackConnection_Placeholder(t *testing.T) {
	conn := NewFallbackConnection("github", "read-only", nil, logging.NewNopLogger())

	res, err := conn.Execute(context.Background(), "list_issues", nil)
	require.NoError(t, err)

	data, ok := res.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "github", data["service"])
	assert.Equal(t, "read-only", data["fallback_id"])
	assert.Equal(t, "list_issues", data["operation"])
	assert.Equal(t, false, data["available"])
}

func TestRealConnection_Execute(t *testing.T) {
	client := &fakeClient{}
	conn := newRealConnection("memory", client, fixedNow)

	res, err := conn.Execute(context.Background(), "read", map[string]interface{}{"key": "k"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, resilience.MethodDirect, res.Method)
	assert.Equal(t, "memory:read", res.Data)
	assert.Equal(t, int64(1), conn.Calls())
	assert.Equal(t, KindReal, conn.Kind())

	client.callErr = fmt.Errorf("broken pipe")
	res, err = conn.Execute(context.Background(), "read", nil)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, err, res.Error)
}
