package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/multidisk"
	"github.com/devrev/buckets/internal/service"
	"github.com/devrev/buckets/internal/storage/diskmanager"
	"github.com/devrev/buckets/internal/util/workerpool"
	"github.com/devrev/buckets/internal/validation"
)

// Probes serves liveness and readiness
type Probes interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// HealQueue accepts objects for background repair
type HealQueue interface {
	Enqueue(bucket, object string) bool
	Stats() workerpool.Stats
}

// Objects is the part of the object service exposed to operators
type Objects interface {
	StatObject(ctx context.Context, bucket, object string) (*service.ObjectInfo, error)
	HealObject(ctx context.Context, bucket, object string) (*service.HealResult, error)
}

// Sources are the components the admin server reports on and drives. Nil
// fields disable the routes that need them.
type Sources struct {
	Coordinator interface{ Stats() multidisk.Stats }
	Heal        HealQueue
	Objects     Objects
	Disks       interface {
		Usage() []diskmanager.DiskUsageStats
	}
}

// StatsResponse is the body of /stats
type StatsResponse struct {
	Timestamp time.Time                    `json:"timestamp"`
	Cluster   *multidisk.Stats             `json:"cluster,omitempty"`
	Heal      *workerpool.Stats            `json:"heal,omitempty"`
	DiskUsage []diskmanager.DiskUsageStats `json:"disk_usage,omitempty"`
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CollectInterval refreshes disk usage gauges. Zero disables collection.
	CollectInterval time.Duration
}

// AdminServer serves metrics, probes and node statistics over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	probes     Probes
	sources    Sources
	gatherer   prometheus.Gatherer
	interval   time.Duration
	validator  *validation.Validator
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewAdminServer creates the admin server and registers its routes
func NewAdminServer(cfg *AdminServerConfig, gatherer prometheus.Gatherer, probes Probes, sources Sources, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		probes:    probes,
		sources:   sources,
		gatherer:  gatherer,
		interval:  cfg.CollectInterval,
		validator: validation.NewValidator(),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	chain := Chain(
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.probes != nil {
		s.router.HandleFunc("/health", s.probes.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.probes.ReadinessHandler).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)

	if s.sources.Objects != nil {
		s.router.HandleFunc("/objects/{bucket}/{object:.+}", s.statObjectHandler).Methods(http.MethodGet)
	}
	if s.sources.Heal != nil || s.sources.Objects != nil {
		s.router.HandleFunc("/heal/{bucket}/{object:.+}", s.healHandler).Methods(http.MethodPost)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// Start serves in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	if s.interval > 0 && s.sources.Disks != nil {
		go s.collectSystemMetrics()
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the router for testing purposes
func (s *AdminServer) Router() *mux.Router {
	return s.router
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Timestamp: time.Now().UTC()}
	if s.sources.Coordinator != nil {
		st := s.sources.Coordinator.Stats()
		resp.Cluster = &st
	}
	if s.sources.Heal != nil {
		st := s.sources.Heal.Stats()
		resp.Heal = &st
	}
	if s.sources.Disks != nil {
		resp.DiskUsage = s.sources.Disks.Usage()
	}

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Error("Failed to encode stats", zap.Error(err))
	}
}

// objectVars returns the validated bucket and object of the request
func (s *AdminServer) objectVars(r *http.Request) (string, string, error) {
	vars := mux.Vars(r)
	bucket, object := vars["bucket"], vars["object"]

	if err := s.validator.ValidateBucketName(bucket); err != nil {
		return "", "", err
	}
	if err := s.validator.ValidateObjectName(object); err != nil {
		return "", "", err
	}
	return bucket, object, nil
}

func (s *AdminServer) statObjectHandler(w http.ResponseWriter, r *http.Request) {
	bucket, object, err := s.objectVars(r)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	info, err := s.sources.Objects.StatObject(r.Context(), bucket, object)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// healHandler queues an object for repair, or repairs it before replying
// when sync=true
func (s *AdminServer) healHandler(w http.ResponseWriter, r *http.Request) {
	bucket, object, err := s.objectVars(r)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	if r.URL.Query().Get("sync") == "true" || s.sources.Heal == nil {
		if s.sources.Objects == nil {
			writeError(w, r, http.StatusNotImplemented, "unsupported", "synchronous heal unavailable")
			return
		}
		res, err := s.sources.Objects.HealObject(r.Context(), bucket, object)
		if err != nil {
			writeStorageError(w, r, err)
			return
		}
		s.logger.Info("Object healed on request",
			zap.String("bucket", bucket),
			zap.String("object", object),
			zap.Int("meta_healed", res.MetaHealed),
			zap.Ints("chunks_healed", res.ChunksHealed))
		writeJSON(w, http.StatusOK, res)
		return
	}

	if !s.sources.Heal.Enqueue(bucket, object) {
		writeError(w, r, http.StatusServiceUnavailable, "queue_full", "heal queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"bucket": bucket, "object": object, "status": "queued"})
}

// collectSystemMetrics keeps disk usage gauges fresh between writes
func (s *AdminServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sources.Disks.Usage()
		case <-s.stopChan:
			return
		}
	}
}
