package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warning": zerolog.WarnLevel,
		"off":      zerolog.Disabled,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "relay", FormatJSON, "info")
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("k", "v").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "relay", line["app"])
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "v", line["k"])

	_, err = NewLogger(&buf, "relay", "xml", "info")
	require.Error(t, err)
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.Incr(Websockets, 2)
	m.Decr(Websockets, 1)
	m.Incr(SessionsActive, 1)
	m.Decr(SessionsActive, 1)

	require.EqualValues(t, 1, m.Count(Websockets))
	require.Zero(t, m.Count(SessionsActive))

	var nilMetrics *Metrics
	nilMetrics.Incr(Drops, 1)
	require.Zero(t, nilMetrics.Count(Drops))
}

func TestMetricsReportWritesOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	m := NewMetrics()
	m.Incr(ConnRecv, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Report(ctx, logger, time.Hour)

	require.Contains(t, buf.String(), `"conn.recv"`)
	require.Contains(t, buf.String(), "metrics report")
}

func TestRequestMiddlewareRecordsRouteTemplate(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r := mux.NewRouter()
	r.Use(RequestMiddleware(logger))
	r.HandleFunc("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/7", nil))

	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Contains(t, buf.String(), `"path":"/items/{id}"`)
	require.Contains(t, buf.String(), `"status":418`)
}
