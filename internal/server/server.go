// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/redconsec/redcon/internal/engine"
	"github.com/redconsec/redcon/internal/model"
	"github.com/redconsec/redcon/internal/schedule"
)

type Server struct {
	engine    *engine.Engine
	scheduler *schedule.Scheduler
	router    *gin.Engine
}

// New builds the HTTP surface. scheduler may be nil when no schedules
// are configured.
func New(eng *engine.Engine, scheduler *schedule.Scheduler) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    eng,
		scheduler: scheduler,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery())

	v1 := s.router.Group("/api/v1")
	v1.POST("/scans", s.createScan)
	v1.GET("/scans", s.listScans)
	v1.GET("/scans/:id", s.getScan)
	v1.POST("/scans/:id/cancel", s.cancelScan)
	v1.GET("/scans/:id/findings", s.getFindings)
	v1.GET("/scans/:id/logs", s.getLogs)
	v1.GET("/evidence/:ref", s.getEvidence)
	v1.GET("/schedules", s.listSchedules)
	v1.GET("/schedules/:id", s.getSchedule)

	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:           listen,
		Handler:        s.router,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "http server listening", "addr", listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) createScan(c *gin.Context) {
	var req model.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = c.ClientIP()
	}

	scan, err := s.engine.CreateScan(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrValidation) ||
			errors.Is(err, model.ErrUnknownTool) ||
			errors.Is(err, model.ErrToolDisabled) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, scan)
}

func (s *Server) listScans(c *gin.Context) {
	scans, err := s.engine.Scans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (s *Server) scanID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed scan id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getScan(c *gin.Context) {
	id, ok := s.scanID(c)
	if !ok {
		return
	}
	scan, err := s.engine.Scan(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (s *Server) cancelScan(c *gin.Context) {
	id, ok := s.scanID(c)
	if !ok {
		return
	}
	err := s.engine.CancelScan(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	case errors.Is(err, model.ErrScanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) getFindings(c *gin.Context) {
	id, ok := s.scanID(c)
	if !ok {
		return
	}
	findings, err := s.engine.Findings(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings})
}

// getLogs replays buffered output from ?from= onwards. With
// ?follow=true the response turns into a JSON-lines stream that stays
// open until the scan finishes or the client goes away.
func (s *Server) getLogs(c *gin.Context) {
	id, ok := s.scanID(c)
	if !ok {
		return
	}
	if _, err := s.engine.Scan(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var from uint64
	if v := c.Query("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed from parameter"})
			return
		}
		from = parsed
	}

	if c.Query("follow") != "true" {
		c.JSON(http.StatusOK, gin.H{"lines": s.engine.Hub().Lines(id, from)})
		return
	}

	sub, cancel, ok := s.engine.Hub().Subscribe(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log stream for scan"})
		return
	}
	defer cancel()

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)

	// replay first, then hand over to the live feed skipping overlap
	var last uint64
	for _, e := range s.engine.Hub().Lines(id, from) {
		if err := enc.Encode(e); err != nil {
			return
		}
		last = e.Seq
	}
	c.Writer.Flush()

	for {
		select {
		case e, open := <-sub:
			if !open {
				return
			}
			if e.Seq <= last && last > 0 {
				continue
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) getEvidence(c *gin.Context) {
	rc, err := s.engine.Evidence(c.Request.Context(), c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer func() {
		_ = rc.Close()
	}()
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, rc)
}

func (s *Server) listSchedules(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"schedules": []model.Schedule{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": s.scheduler.Schedules()})
}

func (s *Server) getSchedule(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no schedules configured"})
		return
	}
	sched, err := s.scheduler.Schedule(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sched)
}
