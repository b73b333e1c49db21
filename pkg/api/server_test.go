package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/slickwilli/sensorhub/models"
	"github.com/slickwilli/sensorhub/pkg/clients/broker"
	"github.com/slickwilli/sensorhub/pkg/clients/broker/brokertest"
	"github.com/slickwilli/sensorhub/pkg/metrics"
)

type stubRecent struct {
	hours    []int
	readings []models.Reading
	err      error
}

func (s *stubRecent) GetRecent(_ context.Context, hours int) ([]models.Reading, error) {
	s.hours = append(s.hours, hours)
	return s.readings, s.err
}

type stubLatest struct {
	latest map[string]models.Reading
	err    error
}

func (s *stubLatest) All(context.Context) (map[string]models.Reading, error) {
	return s.latest, s.err
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	router, err := NewRouter(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, Options{Query: &stubRecent{}})

	resp, body := get(t, srv.URL+"/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
}

func TestPages(t *testing.T) {
	srv := newTestServer(t, Options{Query: &stubRecent{}})

	resp, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `href="/temp_chart"`)

	resp, body = get(t, srv.URL+"/temp_chart?hours=6")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `<option value="6" selected>6</option>`)
	assert.Contains(t, body, `<option value="24">24</option>`)
	assert.Contains(t, body, `<button>on</button>`)

	resp, body = get(t, srv.URL+"/static/script.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "fetchData")
}

func TestDataReturnsSeries(t *testing.T) {
	ts := time.Date(2024, 6, 1, 7, 5, 9, 0, time.UTC)
	recent := &stubRecent{readings: []models.Reading{
		{Sensor: "blue/tmp", Timestamp: ts, Value: 21.5},
		{Sensor: "yellow/tmp", Timestamp: ts.Add(time.Minute), Value: 19},
	}}
	srv := newTestServer(t, Options{Query: recent})

	resp, body := get(t, srv.URL+"/data?hours=3")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{
		"sensors": ["blue/tmp", "yellow/tmp"],
		"times": ["2024-06-01 07:05:09", "2024-06-01 07:06:09"],
		"temperatures": [21.5, 19]
	}`, body)
	assert.Equal(t, []int{3}, recent.hours)
}

func TestDataHoursFallback(t *testing.T) {
	recent := &stubRecent{}
	srv := newTestServer(t, Options{Query: recent})

	for _, q := range []string{"", "?hours=", "?hours=abc", "?hours=0", "?hours=25", "?hours=-2", "?hours=1.5"} {
		resp, body := get(t, srv.URL+"/data"+q)
		assert.Equal(t, http.StatusOK, resp.StatusCode, q)
		assert.JSONEq(t, `{"sensors": [], "times": [], "temperatures": []}`, body, q)
	}
	for _, h := range recent.hours {
		assert.Equal(t, 1, h)
	}
}

func TestDataStorageFailure(t *testing.T) {
	srv := newTestServer(t, Options{Query: &stubRecent{err: errors.New("disk gone")}})

	resp, body := get(t, srv.URL+"/data?hours=2")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error": "unable to read sensor data", "code": 500}`, body)
}

func TestHeatpumpPublishesAndEchoes(t *testing.T) {
	client := brokertest.NewClient()
	srv := newTestServer(t, Options{
		Query:     &stubRecent{},
		Publisher: broker.NewPublisher(client, "lounge/heatpump", 1),
	})

	resp, err := http.Post(srv.URL+"/heatpump", "text/plain", strings.NewReader("on"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "on", string(body))
	assert.Equal(t, []brokertest.Published{{Topic: "lounge/heatpump", QOS: 1, Payload: []byte("on")}}, client.Published())
}

func TestHeatpumpPublishFailure(t *testing.T) {
	client := brokertest.NewClient()
	client.PublishErr = errors.New("not connected")
	srv := newTestServer(t, Options{
		Query:     &stubRecent{},
		Publisher: broker.NewPublisher(client, "lounge/heatpump", 0),
	})

	resp, err := http.Post(srv.URL+"/heatpump", "text/plain", strings.NewReader("off"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, client.Published())
}

func TestHeatpumpBodyTooLarge(t *testing.T) {
	client := brokertest.NewClient()
	router, err := NewRouter(Options{
		Query:     &stubRecent{},
		Publisher: broker.NewPublisher(client, "lounge/heatpump", 0),
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	body := strings.NewReader(strings.Repeat("x", maxPublishBody+1))
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/heatpump", body))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, client.Published())
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestHeatpumpUnreadableBody(t *testing.T) {
	client := brokertest.NewClient()
	router, err := NewRouter(Options{
		Query:     &stubRecent{},
		Publisher: broker.NewPublisher(client, "lounge/heatpump", 0),
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/heatpump", brokenBody{}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error": "unable to read request body", "code": 400}`, rec.Body.String())
	assert.Empty(t, client.Published())
}

func TestLatestRoutedOnlyWithCache(t *testing.T) {
	srv := newTestServer(t, Options{Query: &stubRecent{}})
	resp, _ := get(t, srv.URL+"/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts := time.Date(2024, 6, 1, 7, 5, 9, 0, time.UTC)
	srv = newTestServer(t, Options{
		Query:  &stubRecent{},
		Latest: &stubLatest{latest: map[string]models.Reading{"black/hmd": {Sensor: "black/hmd", Timestamp: ts, Value: 55}}},
	})
	resp, body := get(t, srv.URL+"/latest")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"black/hmd": {"value": 55, "time": "2024-06-01 07:05:09"}}`, body)
}

func TestLatestFailure(t *testing.T) {
	srv := newTestServer(t, Options{Query: &stubRecent{}, Latest: &stubLatest{err: errors.New("redis down")}})

	resp, _ := get(t, srv.URL+"/latest")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ReadingsStored.Inc()
	srv := newTestServer(t, Options{Query: &stubRecent{}, Metrics: m.Handler()})

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "sensorhub_readings_stored_total 1")
}

func TestParseHours(t *testing.T) {
	cases := map[string]int{"": 1, "x": 1, "1": 1, "12": 12, "24": 24, "25": 1, "0": 1}
	for in, want := range cases {
		assert.Equal(t, want, parseHours(in), "raw=%q", in)
	}
}
