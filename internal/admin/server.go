package admin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	"github.com/danmuck/sortctl/internal/journal"
	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/observability"
	"github.com/danmuck/sortctl/internal/protocol/session"
	"github.com/danmuck/sortctl/internal/sorter"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

// Link is the read side of the protocol engine.
type Link interface {
	Stats() session.Stats
	Sequence() int
	Endpoint() string
	Pending() []session.PendingCommand
}

// DeliveryLog lists journaled deliveries.
type DeliveryLog interface {
	Deliveries(ctx context.Context, runID string, limit int) ([]journal.Record, error)
}

type Options struct {
	ID          string
	Addr        string
	CORSOrigins []string
	Allocator   *cages.Allocator
	Controller  *sorter.Controller
	Link        Link
	Devices     *DeviceSelector
	Journal     DeliveryLog
	// Context bounds sorting runs started over HTTP. Defaults to Background.
	Context context.Context
}

type Server struct {
	ID   string
	Addr string

	router   *gin.Engine
	alloc    *cages.Allocator
	ctrl     *sorter.Controller
	link     Link
	devices  *DeviceSelector
	journal  DeliveryLog
	runCtx   context.Context
	appeared time.Time
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("sortctl", "admin")))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	runCtx := opts.Context
	if runCtx == nil {
		runCtx = context.Background()
	}
	s := &Server{
		ID:       opts.ID,
		Addr:     opts.Addr,
		router:   r,
		alloc:    opts.Allocator,
		ctrl:     opts.Controller,
		link:     opts.Link,
		devices:  opts.Devices,
		journal:  opts.Journal,
		runCtx:   runCtx,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Serve listens on s.Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              strings.TrimSpace(s.Addr),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("admin.Server.Serve listening addr=%q", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logs.Warnf("admin.Server.Serve shutdown err=%v", err)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"sorter":  s.ID,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/cages", s.listCages)
	r.POST("/cages/male_percentage", s.setFractionAll)
	r.POST("/cages/:index/male_percentage", s.setFraction)
	r.POST("/cages/:index/fire", s.fire)

	r.GET("/sorting", s.sortingStatus)
	r.POST("/sorting/start", s.startSorting)
	r.POST("/sorting/stop", s.stopSorting)

	r.GET("/devices/pending", s.pendingDevice)
	r.POST("/devices/select", s.selectDevice)

	if s.journal != nil {
		r.GET("/deliveries", s.listDeliveries)
	}
}

func (s *Server) listCages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cages": s.alloc.Snapshot()})
}

type fractionRequest struct {
	MalePercentage *float64 `json:"male_percentage"`
	MaleFraction   *float64 `json:"male_fraction"`
}

// fraction accepts either a 0-100 percentage or a 0-1 fraction.
func (r fractionRequest) fraction() (float64, error) {
	switch {
	case r.MalePercentage != nil && r.MaleFraction != nil:
		return 0, fmt.Errorf("%w: send male_percentage or male_fraction, not both", cages.ErrInvalidFraction)
	case r.MalePercentage != nil:
		p := *r.MalePercentage
		if math.IsNaN(p) || p < 0 || p > 100 {
			return 0, fmt.Errorf("%w: percentage %v outside [0,100]", cages.ErrInvalidFraction, p)
		}
		return p / 100, nil
	case r.MaleFraction != nil:
		return *r.MaleFraction, nil
	default:
		return 0, fmt.Errorf("%w: missing male_percentage", cages.ErrInvalidFraction)
	}
}

func (s *Server) setFraction(c *gin.Context) {
	index, ok := cageIndex(c)
	if !ok {
		return
	}
	var req fractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := req.fraction()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	warn, err := s.alloc.SetMaleFraction(index, f)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	st, _ := s.alloc.Cage(index)
	c.JSON(http.StatusOK, gin.H{"cage": st, "warning": warn})
}

func (s *Server) setFractionAll(c *gin.Context) {
	var req fractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := req.fraction()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	warn, err := s.alloc.SetMaleFractionAll(f)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cages": s.alloc.Snapshot(), "warning": warn})
}

func (s *Server) fire(c *gin.Context) {
	index, ok := cageIndex(c)
	if !ok {
		return
	}
	d, err := s.ctrl.Fire(c.Request.Context(), index)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "delivery": d})
}

func (s *Server) sortingStatus(c *gin.Context) {
	body := gin.H{"sorting": s.ctrl.Status()}
	if s.link != nil {
		body["link"] = gin.H{
			"endpoint": s.link.Endpoint(),
			"sequence": s.link.Sequence(),
			"stats":    s.link.Stats(),
			"pending":  s.link.Pending(),
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) startSorting(c *gin.Context) {
	if err := s.ctrl.Start(s.runCtx); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sorting": s.ctrl.Status()})
}

// stopSorting also fails a pending device choice: the send waiting on it
// ignores cancellation and would hold the loop in Stopping.
func (s *Server) stopSorting(c *gin.Context) {
	if err := s.ctrl.Stop(); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	canceled := false
	if s.devices != nil && s.devices.Cancel() {
		canceled = true
		logs.Infof("admin.Server.stopSorting canceled pending device selection")
	}
	c.JSON(http.StatusAccepted, gin.H{"sorting": s.ctrl.Status(), "selection_canceled": canceled})
}

func (s *Server) pendingDevice(c *gin.Context) {
	if s.devices == nil {
		c.JSON(http.StatusOK, gin.H{"pending": false})
		return
	}
	p, ok := s.devices.Pending()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"pending": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": true, "candidates": p.Candidates, "since": p.Since})
}

type selectRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (s *Server) selectDevice(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.devices == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoPendingSelection.Error()})
		return
	}
	if err := s.devices.Choose(req.Endpoint); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "endpoint": strings.TrimSpace(req.Endpoint)})
}

func (s *Server) listDeliveries(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	records, err := s.journal.Deliveries(c.Request.Context(), c.Query("run_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": records})
}

func cageIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cage index must be an integer"})
		return 0, false
	}
	return index, true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, cages.ErrInvalidFraction), errors.Is(err, session.ErrInvalidChoice):
		return http.StatusBadRequest
	case errors.Is(err, cages.ErrUnknownCage), errors.Is(err, ErrNoPendingSelection):
		return http.StatusNotFound
	case errors.Is(err, sorter.ErrAlreadyRunning), errors.Is(err, sorter.ErrNotRunning), errors.Is(err, sorter.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
