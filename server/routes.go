// Package server is the admin HTTP surface over a compilation cache and a
// graph file store.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/graphboost/graphboost/api"
	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/envconfig"
	"github.com/graphboost/graphboost/graphstore"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
	"github.com/graphboost/graphboost/version"
)

type Server struct {
	cache *cache.Cache
	store *graphstore.Store
}

func New(c *cache.Cache, store *graphstore.Store) *Server {
	return &Server{cache: c, store: store}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "graphboost is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "graphboost is running") })

	r.GET("/api/version", s.VersionHandler)
	r.GET("/api/ps", s.PsHandler)
	r.POST("/api/capacity", s.CapacityHandler)
	r.GET("/api/graphs", s.ListGraphsHandler)
	r.DELETE("/api/graphs", s.DeleteGraphHandler)

	return r
}

func (s *Server) VersionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version, Compilers: ml.Compilers()})
}

func (s *Server) PsHandler(c *gin.Context) {
	units := []api.Unit{}
	for _, u := range s.cache.Units() {
		units = append(units, api.Unit{
			ID:          u.ID.String(),
			Identity:    u.Key.Identity.String(),
			Signature:   u.Key.Signature,
			Fingerprint: u.Key.Options,
			Device:      u.Device.String(),
			Size:        u.Size,
			Path:        u.Path,
			Recency:     u.Recency,
			CreatedAt:   u.Created,
			LastUsedAt:  u.LastUsed,
		})
	}

	stats := s.cache.Stats()
	c.JSON(http.StatusOK, api.ProcessResponse{
		Capacity: s.cache.Capacity(),
		Units:    units,
		Stats:    api.CacheStats(stats),
	})
}

func (s *Server) CapacityHandler(c *gin.Context) {
	var req api.CapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cache.SetCapacity(req.Capacity); err != nil {
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	slog.Info("cache capacity changed", "capacity", req.Capacity)
	c.JSON(http.StatusOK, api.CapacityResponse{Capacity: s.cache.Capacity(), Units: s.cache.Len()})
}

func (s *Server) ListGraphsHandler(c *gin.Context) {
	entries, err := s.store.ListAll()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	graphs := []api.GraphFile{}
	for _, e := range entries {
		graphs = append(graphs, api.GraphFile(e))
	}
	c.JSON(http.StatusOK, api.ListGraphsResponse{Graphs: graphs})
}

// DeleteGraphHandler removes a graph file and releases any cached unit
// that was saved to or loaded from it.
func (s *Server) DeleteGraphHandler(c *gin.Context) {
	var req api.DeleteGraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := s.store.Resolve(req.Role, req.Checkpoint, req.Name)
	if err != nil {
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	if err := s.store.Remove(req.Role, req.Checkpoint, req.Name); err != nil {
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	for _, u := range s.cache.Units() {
		if u.Path == e.Path {
			s.cache.Invalidate(u.Key)
		}
	}
	c.Status(http.StatusOK)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errtypes.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, graphstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Serve handles requests on ln until it is closed or the process is
// interrupted. Cached graphs are released on the way out.
func Serve(ln net.Listener, s *Server) error {
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := srvr.Shutdown(context.Background()); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("Listening on " + ln.Addr().String() + " (version " + version.Version + ")")
	err := srvr.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	if cerr := s.cache.Clear(); cerr != nil {
		slog.Warn("releasing cached graphs", "error", cerr)
	}
	return err
}
