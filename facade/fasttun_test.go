package facade_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/facade"
)

func testConfig() *control.Config {
	cfg := control.Default(control.RoleServer)
	cfg.Listen = "127.0.0.1:0"
	cfg.UDPListen = "127.0.0.1:0"
	cfg.Reactor = "select"
	cfg.ConvCount = 8
	return cfg
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "warp"
	_, err := facade.New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	cfg = testConfig()
	cfg.Reactor = "kqueue"
	_, err = facade.New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	cfg = testConfig()
	cfg.HeartbeatInterval = 0
	_, err = facade.New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = facade.New(nil, nil)
	require.Error(t, err)
}

type recordShutdown struct {
	name  string
	order *[]string
}

func (r recordShutdown) Shutdown() error {
	*r.order = append(*r.order, r.name)
	return nil
}

func TestRuntimeLifecycle(t *testing.T) {
	mock := clock.NewMock()
	rt, err := facade.New(testConfig(), zaptest.NewLogger(t),
		facade.WithClock(mock), facade.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	env := rt.SessionEnv()
	assert.Same(t, rt.Group(), env.Group)
	assert.Equal(t, 5*time.Second, env.HeartbeatInterval)
	assert.NotNil(t, rt.Group().LocalAddr())

	st := rt.Stats()
	assert.Equal(t, 8, st.ConvsAvailable)
	assert.Equal(t, 0, st.Sessions)
	assert.Equal(t, 1, st.Timers)
	assert.Empty(t, rt.MetricsAddr())

	fired := 0
	rt.Timers().Schedule(10*time.Millisecond, func() { fired++ })
	mock.Add(10 * time.Millisecond)
	rt.Loop().RunOnce()
	assert.Equal(t, 1, fired)

	var order []string
	rt.OnShutdown(recordShutdown{"first", &order})
	rt.OnShutdown(recordShutdown{"second", &order})
	require.NoError(t, rt.Shutdown())
	assert.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, rt.Shutdown())
	assert.Len(t, order, 2)
}

func TestRunServesMetricsAndDebugState(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsListen = "127.0.0.1:0"
	rt, err := facade.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	addr := rt.MetricsAddr()
	require.NotEmpty(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	get := func(path string) string {
		var body string
		require.Eventually(t, func() bool {
			resp, err := http.Get("http://" + addr + path)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			body = string(b)
			return err == nil && resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)
		return body
	}

	assert.Contains(t, get("/metrics"), "fasttun_sessions_active")
	state := get("/debug/state")
	assert.Contains(t, state, `"convs_available": 8`)
	assert.Contains(t, state, `"platform.cpus"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdownWithoutRunReleasesMetricsListener(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsListen = "127.0.0.1:0"
	rt, err := facade.New(cfg, zaptest.NewLogger(t), facade.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	addr := rt.MetricsAddr()
	require.NotEmpty(t, addr)

	require.NoError(t, rt.Shutdown())
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "metrics port still held after Shutdown")
	ln.Close()
}
