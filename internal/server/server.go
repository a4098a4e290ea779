package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/jeefy/askrelay/internal/logger"
	"github.com/jeefy/askrelay/internal/models"
	"github.com/jeefy/askrelay/internal/relay"
)

// Options configures the HTTP surface around the relay.
type Options struct {
	AllowedOrigins   []string
	AllowCredentials bool
	TrustedProxies   []string
	// RateLimitRPS > 0 enables per-client limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *logger.Logger
}

type Server struct {
	relay   *relay.Service
	engine  *gin.Engine
	log     *logger.Logger
	limiter *rateLimiter

	closeOnce sync.Once
}

type askRequest struct {
	Question string `json:"question" binding:"required"`
}

type askResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func New(svc *relay.Service, opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	engine := gin.New()
	if err := engine.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	s := &Server{
		relay:  svc,
		engine: engine,
		log:    log,
	}
	engine.Use(gin.Recovery(), requestID(), requestLogger(log))
	if len(opts.AllowedOrigins) > 0 {
		corsCfg := corsConfig(opts.AllowedOrigins, opts.AllowCredentials)
		if err := corsCfg.Validate(); err != nil {
			return nil, fmt.Errorf("cors: %w", err)
		}
		engine.Use(allowRequestedHeaders(), cors.New(corsCfg))
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
		s.limiter.start()
	}
	s.routes()
	return s, nil
}

// Close stops background goroutines started by the server. The relay's
// store is owned by the caller and stays open.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.stop()
		}
	})
}

func (s *Server) Router() http.Handler { return s.engine }

func (s *Server) routes() {
	ask := []gin.HandlerFunc{}
	if s.limiter != nil {
		ask = append(ask, s.limiter.middleware())
	}
	ask = append(ask, s.handleAsk)
	s.engine.POST("/ask", ask...)
	s.engine.GET("/healthz", s.handleHealth)
}

func corsConfig(origins []string, credentials bool) cors.Config {
	// AllowHeaders stays empty: allowRequestedHeaders answers with whatever
	// the preflight asks for.
	cfg := cors.Config{
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: credentials,
	}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			cfg.AllowAllOrigins = true
			// browsers reject credentialed wildcard responses
			cfg.AllowCredentials = false
			return cfg
		}
	}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	return cfg
}

// POST /ask
func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: bindingDetail(err)})
		return
	}
	requester := c.ClientIP()
	if requester == "" {
		requester = models.UnknownRequester
	}
	// an issued upstream call runs to completion even if the caller goes away
	ctx := context.WithoutCancel(c.Request.Context())
	reply, err := s.relay.Ask(ctx, req.Question, requester)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, askResponse{Response: reply})
}

// GET /healthz
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.relay.Store().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Detail: err.Error()})
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, relay.ErrEmptyQuestion) {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Detail: err.Error()})
}

func bindingDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s: field %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return strings.Join(parts, "; ")
	}
	return "invalid request body: " + err.Error()
}
