package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cpsim/api"
	"github.com/kilianp07/cpsim/core/engine"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/ocpp"
	"github.com/kilianp07/cpsim/core/payload"
	"github.com/kilianp07/cpsim/infra/logger"
	"github.com/kilianp07/cpsim/infra/metrics"
	"github.com/kilianp07/cpsim/infra/recorder"
	"github.com/kilianp07/cpsim/infra/ws"
	"github.com/kilianp07/cpsim/internal/testutil"
)

const token = "s3cret"

// centralSystem accepts every charge point and answers its calls.
func centralSystem(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: []string{"ocpp1.6"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f, err := ocpp.Decode(data)
				if err != nil || f.Type != ocpp.MessageTypeCall {
					continue
				}
				var res any = map[string]any{}
				switch f.Action {
				case payload.ActionBootNotification:
					res = map[string]any{"status": "Accepted", "currentTime": time.Now().UTC(), "interval": 60}
				case payload.ActionAuthorize:
					res = map[string]any{"idTagInfo": map[string]any{"status": "Accepted"}}
				case payload.ActionStartTransaction:
					res = map[string]any{"transactionId": 7, "idTagInfo": map[string]any{"status": "Accepted"}}
				case payload.ActionStopTransaction:
					res = map[string]any{"idTagInfo": map[string]any{"status": "Accepted"}}
				case payload.ActionHeartbeat:
					res = map[string]any{"currentTime": time.Now().UTC()}
				}
				out, err := ocpp.EncodeCallResult(f.ID, res)
				if err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp"
}

type fixture struct {
	srv *httptest.Server
	eng *engine.Engine
	rec *recorder.FileRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	prom, err := metrics.NewPromCollectorsWithRegistry(reg)
	require.NoError(t, err)

	mgr := ws.NewManager(nil, nil, ws.WithMetrics(prom))
	rec := recorder.New()
	eng := engine.New(mgr, engine.Options{
		Config:            engine.Config{RequestTimeout: 2 * time.Second},
		Recorder:          rec,
		Metrics:           prom,
		CorrelatorMetrics: prom,
	})
	mgr.SetHandler(eng)
	t.Cleanup(eng.Close)
	t.Cleanup(func() { _ = rec.Stop() })

	s := api.NewServer(eng, api.Options{
		Token:        token,
		Recorder:     rec,
		RecorderPath: filepath.Join(t.TempDir(), "events.cbor"),
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:       logger.NopLogger{},
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, eng: eng, rec: rec}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestBearerRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequireBearerDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rr := httptest.NewRecorder()
	api.RequireBearer("", next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestSessionCRUD(t *testing.T) {
	f := newFixture(t)

	var created model.Session
	code := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"charge_point_id": "CP1",
		"url":             "ws://127.0.0.1:1/ocpp",
		"charger_type":    "DC",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StateDisconnected, created.State)
	assert.Equal(t, model.ChargerDC, created.ChargerType)

	code = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"url": "ws://x"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var list []model.Session
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/sessions?charge_point_id=CP1", nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/sessions?connected=true", nil, &list))
	assert.Empty(t, list)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/sessions?connected=maybe", nil, nil))

	var got model.Session
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, nil, &got))
	assert.Equal(t, "CP1", got.ChargePointID)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, nil, nil))
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	var s model.Session
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"charge_point_id": "CP2",
		"url":             "ws://127.0.0.1:1/ocpp",
	}, &s))
	base := "/api/v1/sessions/" + s.ID

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/plug", nil, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/boot", nil, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/jobs/heartbeat", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/jobs/diagnostics", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/status", map[string]string{}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/tick", map[string]int{"interval_seconds": -1}, nil))
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, base+"/connect", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/sessions/nope/start", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sessions/nope/limits", nil, nil))
}

func TestChargingFlowOverREST(t *testing.T) {
	f := newFixture(t)
	url := centralSystem(t)

	var rs map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/recorder", nil, &rs))
	assert.Equal(t, true, rs["recording"])

	var s model.Session
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"charge_point_id": "CP3",
		"url":             url,
		"soc":             30,
	}, &s))
	base := "/api/v1/sessions/" + s.ID

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/connect", nil, &s))
	assert.True(t, s.Connected)

	var boot payload.BootNotificationConfirmation
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/boot", nil, &boot))
	assert.Equal(t, payload.StatusAccepted, boot.Status)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/plug", nil, &s))
	assert.Equal(t, model.StatePlugged, s.State)

	var auth payload.AuthorizeConfirmation
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/authorize", map[string]string{"id_tag": "TAG9"}, &auth))
	assert.Equal(t, payload.StatusAccepted, auth.IDTagInfo.Status)

	var start payload.StartTransactionConfirmation
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/start", nil, &start))
	assert.Equal(t, 7, start.TransactionID)

	var sample model.ChargingSample
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/tick", map[string]int{"interval_seconds": 300}, &sample))
	assert.Greater(t, sample.EnergyKWh, 0.0)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, base+"/jobs/meter_values", nil, &s))
	assert.False(t, s.MeterValuesActive)

	var limits []map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/limits", nil, &limits))
	assert.Empty(t, limits)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/stop", map[string]string{"reason": "EVDisconnected"}, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base, nil, &s))
	assert.Nil(t, s.TransactionID)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/v1/recorder", nil, &rs))
	assert.Equal(t, false, rs["recording"])
	assert.Greater(t, rs["events"], 0.0)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, base+"/disconnect", nil, nil))
	var health map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, 0.0, health["connections"])

	ctx, cancel := context.WithTimeout(context.Background(), testutil.MetricTimeout)
	defer cancel()
	require.NoError(t, testutil.WaitForMetric(ctx, f.srv.URL+"/metrics", `cpsim_ocpp_requests_total{action="StartTransaction",outcome="result"} 1`))
	require.NoError(t, testutil.WaitForMetric(ctx, f.srv.URL+"/metrics", "cpsim_charging_ticks_total"))
}
