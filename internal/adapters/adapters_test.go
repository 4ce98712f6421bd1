package adapters

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
)

func TestNew_Types(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ServiceConfig
		want    interface{}
		errKind errors.Kind
	}{
		{"http", config.ServiceConfig{Name: "web", Type: config.ServiceHTTP, Target: "http://localhost:9"}, &HTTPAdapter{}, ""},
		{"http without target", config.ServiceConfig{Name: "web", Type: config.ServiceHTTP}, nil, errors.KindConfigurationMismatch},
		{"redis", config.ServiceConfig{Name: "memory", Type: config.ServiceRedis, Target: "127.0.0.1:1"}, &RedisAdapter{}, ""},
		{"sql", config.ServiceConfig{Name: "db", Type: config.ServiceSQL, Driver: "postgres", Target: "postgres://localhost:1/x?sslmode=disable"}, &SQLAdapter{}, ""},
		{"mysql", config.ServiceConfig{Name: "db", Type: config.ServiceSQL, Driver: "mysql", Target: "user:pw@tcp(127.0.0.1:1)/x"}, &SQLAdapter{}, ""},
		{"sql bad driver", config.ServiceConfig{Name: "db", Type: config.ServiceSQL, Driver: "oracle", Target: "dsn"}, nil, errors.KindConfigurationMismatch},
		{"grpc", config.ServiceConfig{Name: "tools", Type: config.ServiceGRPC, Target: "passthrough:///tools"}, &GRPCAdapter{}, ""},
		{"github", config.ServiceConfig{Name: "scm", Type: config.ServiceGitHub}, &GitHubAdapter{}, ""},
		{"static", config.ServiceConfig{Name: "notes", Type: config.ServiceStatic}, &StaticAdapter{}, ""},
		{"unknown", config.ServiceConfig{Name: "ftp", Type: "ftp"}, nil, errors.KindConfigurationMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg, Deps{Database: config.Default().Database})
			if tt.errKind != "" {
				require.Error(t, err)
				assert.Nil(t, a)
				assert.True(t, errors.IsKind(err, tt.errKind))
				return
			}
			require.NoError(t, err)
			defer a.Close()
			assert.IsType(t, tt.want, a)
			assert.Equal(t, tt.cfg.Name, a.Name())
		})
	}
}

func TestBuild_RegistersServices(t *testing.T) {
	m := connection.NewManager(connection.DefaultConfig(), nil, connection.WithLogger(logging.NewNopLogger()))
	services := []config.ServiceConfig{
		{Name: "notes", Type: config.ServiceStatic, Essential: true},
		{Name: "scratch", Type: config.ServiceStatic, FallbackID: "scratch-offline"},
	}

	set, err := Build(services, Deps{}, m)
	require.NoError(t, err)
	defer set.Close()

	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"notes", "scratch"}, m.Services())

	_, ok := set.Get("notes")
	assert.True(t, ok)

	res, err := m.Call(context.Background(), "notes", "echo", map[string]interface{}{"q": 1})
	require.NoError(t, err)
	assert.Equal(t, resilience.MethodDirect, res.Method)
	assert.Equal(t, map[string]interface{}{"q": 1}, res.Data)

	_, err = Build([]config.ServiceConfig{{Name: "notes", Type: config.ServiceStatic}}, Deps{}, m)
	require.Error(t, err, "duplicate registration")
	assert.True(t, errors.IsKind(err, errors.KindConfigurationMismatch))

	require.NoError(t, set.Close())
	assert.Equal(t, 0, set.Len())
}

func TestStaticAdapter_Operations(t *testing.T) {
	a := NewStaticAdapter("notes", map[string]interface{}{"greeting": "hi"})
	ctx := context.Background()

	check := a.Check(ctx)
	assert.Equal(t, health.StatusHealthy, check.Status)
	assert.Equal(t, "1", check.Metadata["entries"])

	client, err := a.Connect(ctx)
	require.NoError(t, err)

	out, err := client.Call(ctx, "get", map[string]interface{}{"key": "greeting"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.(map[string]interface{})["value"])

	_, err = client.Call(ctx, "set", map[string]interface{}{"key": "n", "value": 2})
	require.NoError(t, err)
	out, err = client.Call(ctx, "delete", map[string]interface{}{"key": "n"})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]interface{})["deleted"])

	_, err = client.Call(ctx, "get", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	_, err = client.Call(ctx, "drop", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))
}

func TestHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/search":
			var params map[string]interface{}
			json.NewDecoder(r.Body).Decode(&params)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"query": params["q"], "hits": 3})
		case "/broken":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/bad-request":
			http.Error(w, "nope", http.StatusBadRequest)
		case "/plain":
			w.Write([]byte("ok"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter("search", srv.URL+"/", "", time.Second)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	assert.Equal(t, health.StatusHealthy, a.Check(ctx).Status)

	client, err := a.Connect(ctx)
	require.NoError(t, err)

	out, err := client.Call(ctx, "search", map[string]interface{}{"q": "resilience"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"query": "resilience", "hits": float64(3)}, out)

	out, err = client.Call(ctx, "plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = client.Call(ctx, "broken", nil)
	assert.True(t, errors.IsKind(err, errors.KindConnectionFailed))

	_, err = client.Call(ctx, "bad-request", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	_, err = client.Call(ctx, "", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))
}

func TestHTTPAdapter_ConnectFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter("search", srv.URL, "/ready", time.Second)
	require.NoError(t, err)

	_, err = a.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnectionFailed))
}

func TestRedisAdapter_Unreachable(t *testing.T) {
	a, err := NewRedisAdapter("memory", "127.0.0.1:1")
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnectionFailed))
	assert.Equal(t, health.StatusUnhealthy, a.Check(context.Background()).Status)
}

func TestDurationParam(t *testing.T) {
	tests := []struct {
		value   interface{}
		want    time.Duration
		wantErr bool
	}{
		{nil, 0, false},
		{"90s", 90 * time.Second, false},
		{30, 30 * time.Second, false},
		{1.5, 1500 * time.Millisecond, false},
		{"soon", 0, true},
		{[]int{1}, 0, true},
	}
	for _, tt := range tests {
		got, err := durationParam(map[string]interface{}{"ttl": tt.value}, "ttl")
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.value)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestSQLAdapter_Unreachable(t *testing.T) {
	a, err := NewSQLAdapter("db", "postgres", "postgres://u:p@127.0.0.1:1/x?sslmode=disable&connect_timeout=1", config.DatabaseConfig{MaxOpenConns: 2})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = a.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnectionFailed))
	assert.Equal(t, health.StatusUnhealthy, a.Check(ctx).Status)
}

func TestArgsParam(t *testing.T) {
	assert.Nil(t, argsParam(nil))
	assert.Equal(t, []interface{}{1, "a"}, argsParam(map[string]interface{}{"args": []interface{}{1, "a"}}))
	assert.Equal(t, []interface{}{"x", "y"}, argsParam(map[string]interface{}{"args": []string{"x", "y"}}))
}

func TestGRPCAdapter(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	defer srv.Stop()

	a, err := NewGRPCAdapter("tools", "passthrough:///bufnet", "tools",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	hs.SetServingStatus("tools", healthpb.HealthCheckResponse_NOT_SERVING)
	_, err = a.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnectionFailed))

	hs.SetServingStatus("tools", healthpb.HealthCheckResponse_SERVING)
	client, err := a.Connect(ctx)
	require.NoError(t, err)

	out, err := client.Call(ctx, "check", nil)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", out.(map[string]interface{})["status"])

	out, err = client.Call(ctx, "state", nil)
	require.NoError(t, err)
	assert.Equal(t, "passthrough:///bufnet", out.(map[string]interface{})["target"])

	_, err = client.Call(ctx, "check", map[string]interface{}{"service": "unknown"})
	assert.Error(t, err)
}

func TestGitHubAdapter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resources": map[string]interface{}{
				"core": map[string]interface{}{"limit": 5000, "remaining": 4999, "reset": time.Now().Add(time.Hour).Unix()},
			},
		})
	})
	mux.HandleFunc("/repos/acme/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"full_name":         "acme/tools",
			"default_branch":    "main",
			"open_issues_count": 2,
		})
	})
	mux.HandleFunc("/repos/acme/tools/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "closed", r.URL.Query().Get("state"))
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"number": 7, "title": "flaky sweep", "state": "closed"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	a := NewGitHubAdapterFromClient("scm", client, 100)
	ctx := context.Background()

	assert.Equal(t, health.StatusHealthy, a.Check(ctx).Status)
	session, err := a.Connect(ctx)
	require.NoError(t, err)

	out, err := session.Call(ctx, "get_repository", map[string]interface{}{"owner": "acme", "repo": "tools"})
	require.NoError(t, err)
	repo := out.(map[string]interface{})
	assert.Equal(t, "acme/tools", repo["full_name"])
	assert.Equal(t, "main", repo["default_branch"])

	out, err = session.Call(ctx, "list_issues", map[string]interface{}{"owner": "acme", "repo": "tools", "state": "closed"})
	require.NoError(t, err)
	issues := out.([]map[string]interface{})
	require.Len(t, issues, 1)
	assert.Equal(t, 7, issues[0]["number"])

	_, err = session.Call(ctx, "get_repository", map[string]interface{}{"owner": "acme"})
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	out, err = session.Call(ctx, "rate_limits", nil)
	require.NoError(t, err)
	assert.Equal(t, 4999, out.(*github.Rate).Remaining)
}
