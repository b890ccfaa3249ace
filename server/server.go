// Package server is the HTTP surface: file streaming routes on top of the
// stream service, and the admin API over storage configs, mounts, usage,
// scheduling and jobs.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/filehub/filehub/configuration"
	"github.com/filehub/filehub/health"
	"github.com/filehub/filehub/jobs"
	"github.com/filehub/filehub/metrics"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/quota"
	"github.com/filehub/filehub/schedule"
	"github.com/filehub/filehub/store"
	"github.com/filehub/filehub/stream"
)

// Server carries the wired components behind the HTTP surface.
type Server struct {
	config *configuration.Configuration
	store  *store.Store
	box    *store.SecretBox
	mounts *mount.Manager
	quota  *quota.Engine
	stream *stream.Server
	runner *schedule.Runner
	engine *jobs.Engine
	index  *jobs.Indexer
	copier *jobs.Copier
	health *health.Registry

	router *mux.Router
}

// New wires a server over the given components and builds its routes.
func New(config *configuration.Configuration, s *store.Store, box *store.SecretBox,
	mounts *mount.Manager, q *quota.Engine, runner *schedule.Runner,
	engine *jobs.Engine, index *jobs.Indexer, copier *jobs.Copier) *Server {

	srv := &Server{
		config: config,
		store:  s,
		box:    box,
		mounts: mounts,
		quota:  q,
		stream: stream.NewServer(),
		runner: runner,
		engine: engine,
		index:  index,
		copier: copier,
		health: health.NewRegistry(),
	}
	srv.health.RegisterFunc("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.DB().PingContext(ctx)
	})
	srv.router = srv.buildRouter()
	return srv
}

func (s *Server) buildRouter() *mux.Router {
	root := mux.NewRouter()
	r := root
	if prefix := s.config.HTTP.Prefix; prefix != "" && prefix != "/" {
		r = root.PathPrefix(prefix).Subrouter()
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.PathPrefix("/files/").HandlerFunc(s.handleFileGet).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/files/").HandlerFunc(s.handleFilePut).Methods(http.MethodPut)
	r.PathPrefix("/files/").HandlerFunc(s.handleFileDelete).Methods(http.MethodDelete)
	r.PathPrefix("/p/").HandlerFunc(s.handleProxyGet).Methods(http.MethodGet, http.MethodHead)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/storage-types", s.handleStorageTypes).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/storage-config", s.handleConfigList).Methods(http.MethodGet)
	admin.HandleFunc("/storage-config", s.handleConfigCreate).Methods(http.MethodPost)
	admin.HandleFunc("/storage-config/{id}", s.handleConfigGet).Methods(http.MethodGet)
	admin.HandleFunc("/storage-config/{id}", s.handleConfigUpdate).Methods(http.MethodPut)
	admin.HandleFunc("/storage-config/{id}", s.handleConfigDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/storage-config/{id}/test", s.handleConfigTest).Methods(http.MethodPost)

	admin.HandleFunc("/mounts", s.handleMountList).Methods(http.MethodGet)
	admin.HandleFunc("/mounts", s.handleMountCreate).Methods(http.MethodPost)
	admin.HandleFunc("/mounts/{id}", s.handleMountDelete).Methods(http.MethodDelete)

	admin.HandleFunc("/storage/usage", s.handleUsage).Methods(http.MethodGet)
	admin.HandleFunc("/storage/usage/refresh", s.handleUsageRefresh).Methods(http.MethodPost)

	admin.HandleFunc("/scheduled/jobs", s.handleScheduledJobs).Methods(http.MethodGet)
	admin.HandleFunc("/scheduled/runs", s.handleScheduledRuns).Methods(http.MethodGet)
	admin.HandleFunc("/scheduled/ticker", s.handleScheduledTicker).Methods(http.MethodGet)
	admin.HandleFunc("/scheduled/run-now", s.handleScheduledRunNow).Methods(http.MethodPost)
	admin.HandleFunc("/scheduled/cancel", s.handleScheduledCancel).Methods(http.MethodPost)

	admin.HandleFunc("/fs-index/rebuild", s.handleIndexRebuild).Methods(http.MethodPost)
	admin.HandleFunc("/fs-index/apply-dirty", s.handleIndexApplyDirty).Methods(http.MethodPost)
	admin.HandleFunc("/fs-index/search", s.handleIndexSearch).Methods(http.MethodGet)
	admin.HandleFunc("/fs-index/status", s.handleIndexStatus).Methods(http.MethodGet)

	admin.HandleFunc("/jobs", s.handleJobSubmit).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}", s.handleJobGet).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{id}/retry-all-failed", s.handleJobRetryAll).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}/retry-file", s.handleJobRetryFile).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}/cancel", s.handleJobCancel).Methods(http.MethodPost)

	return root
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = handlers.CombinedLoggingHandler(logrus.StandardLogger().Writer(), h)
	h = metrics.InstrumentHandler(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	return h
}

// Health exposes the check registry so the entrypoint can add process-level
// checks.
func (s *Server) Health() *health.Registry {
	return s.health
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.health.Handler().ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encoding response body")
	}
}
