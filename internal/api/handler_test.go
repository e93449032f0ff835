package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/bus"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/engine"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/sink"
)

type fixture struct {
	eng    *engine.Engine
	recent *sink.Recorder
	hub    *sink.Hub
	loader *config.Loader
	path   string
	srv    *httptest.Server
}

func newFixture(t *testing.T, conf engine.Config) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fluxwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\n"), 0o600))
	loader, err := config.NewLoader(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	recent := sink.NewRecorder(10)
	hub := sink.NewHub(nil)
	go func() { _ = hub.Run(ctx) }()

	eng := engine.New(ctx, conf, nil, nil, recent, hub)
	eng.BindRules(loader)
	srv := httptest.NewServer(New(eng, Deps{Loader: loader, Recorder: recent, Stream: hub}))
	t.Cleanup(func() {
		srv.Close()
		eng.Shutdown()
		cancel()
	})
	return &fixture{eng: eng, recent: recent, hub: hub, loader: loader, path: path, srv: srv}
}

func defaultConf() engine.Config {
	return engine.Config{
		Window:          30 * time.Minute,
		Threshold:       0.8,
		Lanes:           2,
		QueueDepth:      32,
		EventTimeout:    2 * time.Second,
		BusPolicy:       bus.ContinueOnError,
		AlertWorkers:    1,
		AlertQueueDepth: 8,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPostPayment_FraudScenario(t *testing.T) {
	f := newFixture(t, defaultConf())

	resp, _ := f.do(t, "POST", "/v1/payments",
		`{"account_id":"ACC-1","amount":1000,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body := f.do(t, "POST", "/v1/payments",
		`{"account_id":"ACC-1","amount":900,"direction":"OUT","event_time":"2024-03-01T12:20:00Z"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	win := body["window"].(map[string]interface{})
	assert.Equal(t, 1000.0, win["inbound_total"])
	assert.Equal(t, 900.0, win["outbound_total"])

	resp, body = f.do(t, "GET", "/v1/alerts?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["count"])
	alerts := body["alerts"].([]interface{})
	first := alerts[0].(map[string]interface{})
	assert.Equal(t, "ACC-1", first["account_id"])
	assert.InDelta(t, 0.9, first["ratio"], 1e-9)
	assert.Equal(t, "fast_cashout", first["rule"])

	resp, body = f.do(t, "GET", "/v1/accounts/ACC-1/window", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["event_count"])
	assert.Equal(t, "2024-03-01T11:50:00Z", body["window_start"])
}

func TestPostPayment_Errors(t *testing.T) {
	f := newFixture(t, defaultConf())

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid json", body: `{"account_id":`, want: http.StatusBadRequest},
		{name: "missing account", body: `{"amount":1,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`, want: http.StatusBadRequest},
		{name: "negative amount", body: `{"account_id":"A","amount":-1,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`, want: http.StatusBadRequest},
		{name: "bad direction", body: `{"account_id":"A","amount":1,"direction":"X","event_time":"2024-03-01T12:00:00Z"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "POST", "/v1/payments", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t, defaultConf())

	resp, body := f.do(t, "POST", "/v1/payments/batch", `[
		{"account_id":"B-1","amount":10,"direction":"IN","event_time":"2024-03-01T12:00:00Z"},
		{"account_id":"B-2","amount":10,"direction":"SIDEWAYS","event_time":"2024-03-01T12:00:00Z"}
	]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2.0, body["total"])
	assert.Equal(t, 1.0, body["queued"])
	rejected := body["rejected"].([]interface{})
	require.Len(t, rejected, 1)
	assert.Equal(t, 1.0, rejected[0].(map[string]interface{})["index"])

	resp, _ = f.do(t, "POST", "/v1/payments/batch", `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var big bytes.Buffer
	big.WriteString("[")
	for i := 0; i <= maxBatchSize; i++ {
		if i > 0 {
			big.WriteString(",")
		}
		big.WriteString(`{"account_id":"A","amount":1,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`)
	}
	big.WriteString("]")
	resp, _ = f.do(t, "POST", "/v1/payments/batch", big.String())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAccountWindow_Unknown(t *testing.T) {
	f := newFixture(t, defaultConf())
	resp, _ := f.do(t, "GET", "/v1/accounts/nobody/window", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAlerts_InvalidLimit(t *testing.T) {
	f := newFixture(t, defaultConf())
	resp, _ := f.do(t, "GET", "/v1/alerts?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRules_ListAndReload(t *testing.T) {
	f := newFixture(t, defaultConf())

	resp, body := f.do(t, "GET", "/v1/rules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fast_cashout", body["builtin"])
	assert.Empty(t, body["rules"])

	require.NoError(t, os.WriteFile(f.path, []byte(`version: v2
rules:
  - id: unfunded_outflow
    enabled: true
    expression: "inbound_total == 0 AND outbound_total >= 5000"
`), 0o600))
	resp, body = f.do(t, "POST", "/v1/rules/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["rules_count"])
	assert.Equal(t, 1, f.eng.Rules().Len())

	require.NoError(t, os.WriteFile(f.path, []byte(`version: v3
rules:
  - id: broken
    enabled: true
    expression: "ratio >>> 1"
`), 0o600))
	resp, _ = f.do(t, "POST", "/v1/rules/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 1, f.eng.Rules().Len(), "previous rules stay active")

	// The listing still describes the config whose rules are active.
	resp, body = f.do(t, "GET", "/v1/rules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v2", body["version"])
	assert.Len(t, body["rules"], 1)
}

func TestRules_ReloadCompilesOnce(t *testing.T) {
	f := newFixture(t, defaultConf())

	applied := 0
	f.loader.OnChange(func(*config.Config) error {
		applied++
		return nil
	})

	resp, body := f.do(t, "POST", "/v1/rules/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, body["rules_count"])
	assert.Equal(t, 1, applied, "subscribers run once per reload")
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, defaultConf())

	resp, body := f.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = f.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	req, err := http.NewRequest("GET", f.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestReadyz_Overloaded(t *testing.T) {
	conf := defaultConf()
	conf.Lanes = 4
	conf.QueueDepth = 8
	f := newFixture(t, conf)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.On(f.eng.Bus(), func(context.Context, event.PaymentEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	defer close(release)

	pay := `{"account_id":"A","amount":1,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`
	resp, _ := f.do(t, "POST", "/v1/payments/batch", "["+pay+"]")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-started
	resp, _ = f.do(t, "POST", "/v1/payments/batch", "["+pay+","+pay+"]")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// One hot account fills its lane while the other three stay empty.
	resp, body := f.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "overloaded", body["status"])
	assert.Equal(t, 1.0, body["max_lane_utilization"])
	assert.Equal(t, 0.25, body["queue_utilization"])

	resp, _ = f.do(t, "POST", "/v1/payments/batch", "["+pay+"]")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestAlertStream(t *testing.T) {
	f := newFixture(t, defaultConf())

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/alerts/stream?account=ACC-7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.do(t, "POST", "/v1/payments", `{"account_id":"ACC-7","amount":1000,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`)
	f.do(t, "POST", "/v1/payments", `{"account_id":"ACC-7","amount":950,"direction":"OUT","event_time":"2024-03-01T12:05:00Z"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var a event.Alert
	require.NoError(t, conn.ReadJSON(&a))
	assert.Equal(t, "ACC-7", a.AccountID)
	assert.InDelta(t, 0.95, a.Ratio, 1e-9)
}
