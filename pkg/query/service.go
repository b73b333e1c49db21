package query

import (
	"context"
	"time"

	"github.com/slickwilli/sensorhub/models"
	"github.com/slickwilli/sensorhub/pkg/metrics"
)

const (
	MinHours     = 1
	MaxHours     = 24
	DefaultHours = 1
)

// Reader is the part of storage.Store the query service reads through.
type Reader interface {
	Query(ctx context.Context, since time.Time) ([]models.Reading, error)
}

type Service struct {
	store   Reader
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store Reader, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m, now: time.Now}
}

// ClampHours maps any window outside [MinHours, MaxHours] to DefaultHours.
func ClampHours(hours int) int {
	if hours < MinHours || hours > MaxHours {
		return DefaultHours
	}
	return hours
}

// GetRecent returns every reading from the last hours hours, in storage
// order. Out of range windows are treated as DefaultHours, not rejected.
func (s *Service) GetRecent(ctx context.Context, hours int) ([]models.Reading, error) {
	start := time.Now()
	since := s.now().UTC().Add(-time.Duration(ClampHours(hours)) * time.Hour)

	readings, err := s.store.Query(ctx, since)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if readings == nil {
		readings = []models.Reading{}
	}
	return readings, nil
}

// Series is the chart payload: parallel arrays, one entry per reading.
type Series struct {
	Sensors      []string  `json:"sensors"`
	Times        []string  `json:"times"`
	Temperatures []float64 `json:"temperatures"`
}

func NewSeries(readings []models.Reading) Series {
	s := Series{
		Sensors:      make([]string, len(readings)),
		Times:        make([]string, len(readings)),
		Temperatures: make([]float64, len(readings)),
	}
	for i, r := range readings {
		s.Sensors[i] = r.Sensor
		s.Times[i] = models.FormatTime(r.Timestamp)
		s.Temperatures[i] = r.Value
	}
	return s
}
