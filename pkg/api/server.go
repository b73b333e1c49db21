// Package api serves the dashboard: the chart page, the recent-readings
// JSON it polls, and the heat pump passthrough.
package api

import (
	"context"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/slickwilli/sensorhub/models"
)

//go:embed web
var webFS embed.FS

type RecentReader interface {
	GetRecent(ctx context.Context, hours int) ([]models.Reading, error)
}

type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

type LatestReader interface {
	All(ctx context.Context) (map[string]models.Reading, error)
}

// Options wires the router. Publisher, Latest and Metrics are optional and
// their routes are only registered when set.
type Options struct {
	Query     RecentReader
	Publisher Publisher
	Latest    LatestReader
	Metrics   http.Handler
	Logger    *zap.Logger
}

type handler struct {
	query     RecentReader
	publisher Publisher
	latest    LatestReader
	logger    *zap.Logger
	templates *template.Template
}

func NewRouter(opts Options) (http.Handler, error) {
	templates, err := template.ParseFS(webFS, "web/templates/*.html")
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(webFS, "web/static")
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		query:     opts.Query,
		publisher: opts.Publisher,
		latest:    opts.Latest,
		logger:    logger.Named("api"),
		templates: templates,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleIndex)
	r.Get("/ping", h.handlePing)
	r.Get("/temp_chart", h.handleChart)
	r.Get("/data", h.handleData)
	if h.publisher != nil {
		r.Post("/heatpump", h.handleHeatpump)
	}
	if h.latest != nil {
		r.Get("/latest", h.handleLatest)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	return r, nil
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
