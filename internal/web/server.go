// Package web exposes the pipeline over HTTP: trigger intake, run and
// approval inspection, and operator actions.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyorci/conveyor/internal/approval"
	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/db"
	"github.com/conveyorci/conveyor/internal/environment"
	"github.com/conveyorci/conveyor/internal/orchestrator"
	"github.com/conveyorci/conveyor/internal/run"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	driver    *orchestrator.Driver
	orc       *orchestrator.Orchestrator
	store     *run.Store
	gate      *approval.Gate
	envs      *environment.Registry
	artifacts *artifact.Registry
	db        *db.DB
	addr      string
}

// NewServer creates a Server. The database is optional; without it the
// history endpoints return runs without their audit events.
func NewServer(
	driver *orchestrator.Driver,
	orc *orchestrator.Orchestrator,
	store *run.Store,
	gate *approval.Gate,
	envs *environment.Registry,
	artifacts *artifact.Registry,
	database *db.DB,
	addr string,
) *Server {
	return &Server{
		driver:    driver,
		orc:       orc,
		store:     store,
		gate:      gate,
		envs:      envs,
		artifacts: artifacts,
		db:        database,
		addr:      addr,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/triggers", s.handleTrigger)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)

		v1.GET("/approvals", s.handleListApprovals)
		v1.POST("/approvals/:id/decision", s.handleDecide)

		v1.GET("/environments", s.handleListEnvironments)
		v1.POST("/environments/:name/unfreeze", s.handleUnfreeze)

		v1.GET("/artifacts", s.handleListArtifacts)
	}
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
