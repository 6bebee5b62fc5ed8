package apihttp

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"minifarm-monitor/internal/actuation"
	"minifarm-monitor/internal/audit"
	devices "minifarm-monitor/internal/devices/domain"
	"minifarm-monitor/internal/monitor"
	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
)

const timeLayout = time.RFC3339

// DeviceRegistry is the remote CSE as seen by the API.
type DeviceRegistry interface {
	ListDevices(ctx context.Context) ([]string, error)
	Device(ctx context.Context, deviceID string) (onem2m.Device, error)
	Provision(ctx context.Context, deviceID, segment string, names []string) error
}

// Reconciler brings a device's loops in line with the registry.
type Reconciler interface {
	Reconcile(ctx context.Context, deviceID string) (resources.Tree, error)
	Resume(ctx context.Context, deviceID string) (resources.Tree, error)
}

// DefinitionLister reads stored resource definitions.
type DefinitionLister interface {
	List(ctx context.Context, deviceID string, category resources.Category) ([]resources.Definition, error)
}

// CommandHistory reads the durable command log.
type CommandHistory interface {
	ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]actuation.Result, error)
}

// SampleHistory reads the durable sample log.
type SampleHistory interface {
	List(ctx context.Context, deviceID, remote string, from, to time.Time) ([]monitor.Sample, error)
}

// Server exposes device monitoring over HTTP.
type Server struct {
	devices        devices.Repository
	registry       DeviceRegistry
	reconciler     Reconciler
	definitions    DefinitionLister
	monitor        *monitor.Scheduler
	commander      actuation.Commander
	tracker        *actuation.Tracker
	commandLog     CommandHistory
	samples        SampleHistory
	audit          audit.Logger
	backfillPoints int
	logger         *log.Logger
	now            func() time.Time
}

// Option configures the server.
type Option func(*Server)

// WithCommandHistory enables ranged actuation queries.
func WithCommandHistory(history CommandHistory) Option {
	return func(s *Server) { s.commandLog = history }
}

// WithSampleHistory enables the durable sample endpoint.
func WithSampleHistory(history SampleHistory) Option {
	return func(s *Server) { s.samples = history }
}

// WithAuditLogger records mutating requests.
func WithAuditLogger(logger audit.Logger) Option {
	return func(s *Server) { s.audit = logger }
}

// WithBackfillPoints sets the default backfill depth.
func WithBackfillPoints(points int) Option {
	return func(s *Server) {
		if points > 0 {
			s.backfillPoints = points
		}
	}
}

// WithLogger overrides the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer constructs the API.
func NewServer(
	deviceRepo devices.Repository,
	registry DeviceRegistry,
	reconciler Reconciler,
	definitions DefinitionLister,
	mon *monitor.Scheduler,
	commander actuation.Commander,
	tracker *actuation.Tracker,
	opts ...Option,
) (*Server, error) {
	if deviceRepo == nil || registry == nil || reconciler == nil || definitions == nil {
		return nil, errors.New("api: nil dependency")
	}
	if mon == nil || commander == nil || tracker == nil {
		return nil, errors.New("api: nil monitor or commander")
	}
	s := &Server{
		devices:        deviceRepo,
		registry:       registry,
		reconciler:     reconciler,
		definitions:    definitions,
		monitor:        mon,
		commander:      commander,
		tracker:        tracker,
		backfillPoints: monitor.DefaultBackfillPoints,
		logger:         log.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/devices", s.listDevices)
	mux.HandleFunc("POST /api/v1/devices", s.registerDevice)
	mux.HandleFunc("DELETE /api/v1/devices/{id}", s.removeDevice)
	mux.HandleFunc("GET /api/v1/registry/devices", s.registryDevices)

	mux.HandleFunc("POST /api/v1/devices/{id}/reconcile", s.reconcile)
	mux.HandleFunc("POST /api/v1/devices/{id}/pause", s.pause)
	mux.HandleFunc("POST /api/v1/devices/{id}/resume", s.resume)
	mux.HandleFunc("GET /api/v1/devices/{id}/definitions", s.listDefinitions)
	mux.HandleFunc("POST /api/v1/devices/{id}/resources", s.provision)

	mux.HandleFunc("GET /api/v1/devices/{id}/live", s.live)
	mux.HandleFunc("GET /api/v1/devices/{id}/history/{remote}", s.history)
	mux.HandleFunc("POST /api/v1/devices/{id}/history/{remote}/backfill", s.backfill)
	mux.HandleFunc("GET /api/v1/devices/{id}/history/{remote}/stream", s.historyStream)
	mux.HandleFunc("GET /api/v1/devices/{id}/samples/{remote}", s.listSamples)

	mux.HandleFunc("POST /api/v1/devices/{id}/actuators/{remote}", s.command)
	mux.HandleFunc("GET /api/v1/devices/{id}/actuations", s.listActuations)

	mux.HandleFunc("GET /api/v1/devices/{id}/alert", s.alert)
	mux.HandleFunc("POST /api/v1/devices/{id}/alert/dismiss", s.dismissAlert)

	mux.HandleFunc("GET /api/v1/devices/{id}/export.xlsx", s.exportXLSX)
	mux.HandleFunc("GET /api/v1/devices/{id}/report.pdf", s.exportPDF)
}
