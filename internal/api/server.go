package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/config"
	"github.com/snarg/fleet-engine/internal/database"
	"github.com/snarg/fleet-engine/internal/device"
	"github.com/snarg/fleet-engine/internal/events"
	"github.com/snarg/fleet-engine/internal/metrics"
	"github.com/snarg/fleet-engine/internal/poller"
	"github.com/snarg/fleet-engine/internal/preview"
)

// Deps carries everything the HTTP surface exposes.
type Deps struct {
	Config  *config.Config
	DB      *database.DB
	Store   *events.Store
	Hub     *events.Hub
	Poller  *poller.Poller
	Preview *preview.Service
	Client  *device.Client
	Mirror  poller.EventMirror // optional, nil when MQTT is off

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(d Deps) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(d.Log))
	r.Use(CORS)

	var mirrorStatus MirrorStatus
	if ms, ok := d.Mirror.(MirrorStatus); ok {
		mirrorStatus = ms
	}
	health := NewHealthHandler(d.DB, mirrorStatus, d.Poller, d.Hub, d.Version, d.StartTime)
	eventsH := NewEventsHandler(d.Store, d.Hub, d.Mirror, d.DB)
	devicesH := NewDeviceHandler(d.DB, d.Client)
	previewH := NewPreviewHandler(d.DB, d.Preview)
	adminH := NewAdminHandler(d.Poller)

	// Unauthenticated surfaces: health, metrics, and the WebSocket bus,
	// which does its own token check during the handshake.
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", d.Hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// Scoped here rather than globally so the WebSocket upgrade
			// keeps an unwrapped http.Hijacker.
			r.Use(metrics.InstrumentHandler)
			r.Get("/status", health.Status)
			r.Get("/devices", devicesH.List)
			r.Get("/events", eventsH.List)
			r.Get("/live/{address}", eventsH.Live)
			// Previews are fetched by <img> tags, which cannot send headers.
			r.Get("/devices/{deviceID}/channels/{channel}/preview", previewH.Image)
		})

		r.Group(func(r chi.Router) {
			r.Use(metrics.InstrumentHandler)
			r.Use(BearerAuth(d.Config.IngestToken))
			r.Post("/events", eventsH.Ingest)
			r.Post("/devices/{deviceID}/channels/{channel}/publishers/{publisherID}/control/{action}", devicesH.ControlPublisher)
			r.Post("/devices/{deviceID}/recorders/{recorderID}/control/{action}", devicesH.ControlRecorder)
			r.Post("/devices/{deviceID}/channels/{channel}/preview/subscribe", previewH.Subscribe)
			r.Post("/devices/{deviceID}/channels/{channel}/preview/unsubscribe", previewH.Unsubscribe)
			adminH.Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         d.Config.HTTPAddr,
			Handler:      r,
			ReadTimeout:  d.Config.ReadTimeout,
			WriteTimeout: d.Config.WriteTimeout,
			IdleTimeout:  d.Config.IdleTimeout,
		},
		log: d.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
