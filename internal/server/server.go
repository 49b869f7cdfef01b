// Package server implements the management API of the cache: health,
// statistics, inspection and invalidation of stored responses, and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sofatutor/httpcache/internal/cache"
	"github.com/sofatutor/httpcache/internal/config"
	"github.com/sofatutor/httpcache/internal/encryption"
	"github.com/sofatutor/httpcache/internal/expiration"
	"github.com/sofatutor/httpcache/internal/logging"
	"github.com/sofatutor/httpcache/internal/obfuscate"
	"github.com/sofatutor/httpcache/internal/storage"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// ErrMissingToken is returned by New when no management token is configured.
var ErrMissingToken = errors.New("MANAGEMENT_TOKEN is required for the management API")

// Server is the management HTTP server.
type Server struct {
	server    *http.Server
	engine    *gin.Engine
	ctrl      *cache.Controller
	config    *config.Config
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	startTime time.Time
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// StatsResponse is the response body of GET /cache/stats.
type StatsResponse struct {
	CacheName     string  `json:"cache_name"`
	Backend       string  `json:"backend"`
	Responses     int     `json:"responses"`
	Redirects     int     `json:"redirects"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ResponseView is a stored response as shown by the API. Credentials in
// headers are masked and the body is omitted.
type ResponseView struct {
	Key        string      `json:"key"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	BodySize   int         `json:"body_size"`
	CreatedAt  time.Time   `json:"created_at"`
	Expires    *time.Time  `json:"expires"`
	Expired    bool        `json:"expired"`
	TTLSeconds *float64    `json:"ttl_seconds"`
	// RequestHeader is only populated when headers are part of the key.
	RequestHeader http.Header `json:"request_header,omitempty"`
	History       []string    `json:"history,omitempty"`
}

// New creates the management server. gatherer backs /metrics; nil means
// the default Prometheus registry.
func New(cfg *config.Config, ctrl *cache.Controller, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if cfg.ManagementToken == "" {
		return nil, ErrMissingToken
	}
	if ctrl == nil {
		return nil, fmt.Errorf("cache controller is required")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		ctrl:      ctrl,
		config:    cfg,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	engine.Use(s.logRequestMiddleware())
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start starts the server.
// This method blocks until the server is shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("Management API listening", zap.String("addr", s.config.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server without interrupting active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	manage := s.engine.Group("/cache", s.managementAuthMiddleware())
	{
		manage.GET("/stats", s.handleStats)
		manage.GET("/responses/:key", s.handleGetResponse)
		manage.DELETE("/responses/:key", s.handleDeleteResponse)
		manage.DELETE("/expired", s.handleDeleteExpired)
		manage.POST("/expiration", s.handleResetExpiration)
		manage.DELETE("", s.handleClear)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	responses, err := s.ctrl.ResponseCount(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	redirects, err := s.ctrl.RedirectCount(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{
		CacheName:     s.ctrl.Settings().CacheName,
		Backend:       s.config.Backend,
		Responses:     responses,
		Redirects:     redirects,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleGetResponse(c *gin.Context) {
	key := c.Param("key")
	resp, err := s.ctrl.GetResponse(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	if resp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "response not found"})
		return
	}
	c.JSON(http.StatusOK, s.view(key, resp))
}

func (s *Server) view(key string, resp *cache.StoredResponse) ResponseView {
	now := s.ctrl.Now()
	v := ResponseView{
		Key:        key,
		Method:     resp.Method,
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Header:     obfuscate.Header(resp.Header),
		BodySize:   len(resp.Body),
		CreatedAt:  resp.CreatedAt,
		Expired:    resp.IsExpired(now),
	}
	if !resp.Expires.IsZero() {
		expires := resp.Expires
		v.Expires = &expires
	}
	if ttl, ok := resp.TTL(now); ok {
		secs := ttl.Seconds()
		v.TTLSeconds = &secs
	}
	if len(resp.Request.Header) > 0 {
		v.RequestHeader = obfuscate.Header(resp.Request.Header)
	}
	for _, h := range resp.History {
		v.History = append(v.History, h.Method+" "+h.URL)
	}
	return v
}

func (s *Server) handleDeleteResponse(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")
	ok, err := s.ctrl.Contains(ctx, key)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "response not found"})
		return
	}
	if err := s.ctrl.Delete(ctx, key); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Deleted cached response", logging.CacheKey(key))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteExpired(c *gin.Context) {
	n, err := s.ctrl.DeleteExpiredResponses(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type resetExpirationRequest struct {
	ExpireAfter string `json:"expire_after" binding:"required"`
}

func (s *Server) handleResetExpiration(c *gin.Context) {
	var req resetExpirationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expire_after is required"})
		return
	}
	e, err := expiration.Parse(req.ExpireAfter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.ResetExpiration(c.Request.Context(), e); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClear(c *gin.Context) {
	if err := s.ctrl.Clear(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Cleared cache", zap.String("cache_name", s.ctrl.Settings().CacheName))
	c.Status(http.StatusNoContent)
}

// fail maps controller errors to a JSON error response.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	if errors.Is(err, storage.ErrSignatureInvalid) {
		status = http.StatusConflict
		msg = "stored entry failed signature verification"
	}
	s.logger.Error("Management request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// managementAuthMiddleware checks the management token in the Authorization
// header. MANAGEMENT_TOKEN may hold the token itself or its bcrypt hash.
func (s *Server) managementAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			return
		}
		token := header[len(prefix):]
		if err := encryption.VerifyToken(token, s.config.ManagementToken); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management token"})
			return
		}
		c.Next()
	}
}

func (s *Server) logRequestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		s.logger.Info("request completed",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startTime)),
			zap.String("remote_addr", c.ClientIP()),
		)
	}
}
