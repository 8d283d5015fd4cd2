// Package health exposes the daemon's liveness and per-service state over
// a small HTTP surface.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StatusFunc returns a service's point-in-time state for reporting.
type StatusFunc func() any

// Server serves GET /healthz with database connectivity and the state of
// every registered background service.
type Server struct {
	db       *gorm.DB
	addr     string
	services map[string]StatusFunc
	httpSrv  *http.Server
}

// NewServer constructs the health server.
func NewServer(db *gorm.DB, addr string) *Server {
	return &Server{
		db:       db,
		addr:     addr,
		services: make(map[string]StatusFunc),
	}
}

// Register adds a named service status source. Must be called before Start.
func (s *Server) Register(name string, status StatusFunc) {
	if s == nil || status == nil {
		return
	}
	s.services[name] = status
}

// Start serves the health endpoint in a background goroutine and shuts
// down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s == nil || s.addr == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.healthz)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: engine}
	go func() {
		if errServe := s.httpSrv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.WithError(errServe).Error("health server: serve failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()
	log.Infof("health server started (addr=%s)", s.addr)
}

func (s *Server) healthz(c *gin.Context) {
	ok := true
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			ok = false
		} else if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
			ok = false
		}
	}

	services := make(map[string]any, len(s.services))
	for name, status := range s.services {
		services[name] = status()
	}

	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ok": ok, "services": services})
}
