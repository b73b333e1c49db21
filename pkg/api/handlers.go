package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/slickwilli/sensorhub/models"
	"github.com/slickwilli/sensorhub/pkg/query"
)

// maxPublishBody bounds what /heatpump will read and forward.
const maxPublishBody = 64 << 10

var heatpumpCommands = []string{"on", "off", "heat", "cool"}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type latestEntry struct {
	Value float64 `json:"value"`
	Time  string  `json:"time"`
}

type chartPage struct {
	Hours    []int
	Selected int
	Commands []string
}

func (h *handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	h.render(w, "index.html", struct{ ChartURL string }{ChartURL: "/temp_chart"})
}

func (h *handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong")
}

func (h *handler) handleChart(w http.ResponseWriter, r *http.Request) {
	hours := make([]int, 0, query.MaxHours)
	for i := query.MinHours; i <= query.MaxHours; i++ {
		hours = append(hours, i)
	}
	h.render(w, "chart.html", chartPage{
		Hours:    hours,
		Selected: parseHours(r.URL.Query().Get("hours")),
		Commands: heatpumpCommands,
	})
}

func (h *handler) handleData(w http.ResponseWriter, r *http.Request) {
	hours := parseHours(r.URL.Query().Get("hours"))
	readings, err := h.query.GetRecent(r.Context(), hours)
	if err != nil {
		h.logger.Error("error querying recent readings", zap.Int("hours", hours), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "unable to read sensor data")
		return
	}
	h.writeJSON(w, http.StatusOK, query.NewSeries(readings))
}

func (h *handler) handleHeatpump(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.logger.Warn("error reading heat pump command", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	if err := h.publisher.Publish(r.Context(), body); err != nil {
		h.logger.Error("error publishing heat pump command", zap.ByteString("payload", body), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "unable to publish command")
		return
	}
	h.logger.Info("published heat pump command", zap.ByteString("payload", body))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(body)
}

func (h *handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := h.latest.All(r.Context())
	if err != nil {
		h.logger.Error("error reading latest values", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "unable to read latest values")
		return
	}
	h.writeJSON(w, http.StatusOK, toLatestResponse(latest))
}

func (h *handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("error rendering template", zap.String("template", name), zap.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Code: status})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// parseHours never fails: anything unusable becomes the default window.
func parseHours(raw string) int {
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return query.DefaultHours
	}
	return query.ClampHours(hours)
}

func toLatestResponse(latest map[string]models.Reading) map[string]latestEntry {
	out := make(map[string]latestEntry, len(latest))
	for sensor, r := range latest {
		out[sensor] = latestEntry{Value: r.Value, Time: models.FormatTime(r.Timestamp)}
	}
	return out
}
