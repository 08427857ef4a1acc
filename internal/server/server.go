// Package server exposes the collected market data over HTTP.
//
// Routes:
//
//	GET /health                                  cache and market directory status
//	GET /exchanges                               registered exchanges with features
//	GET /markets/:exchange                       listed pairs
//	GET /tickers/:exchange                       cached tickers of an exchange
//	GET /tickers/:exchange/:pair                 latest ticker (cache, then REST)
//	GET /depth/:exchange/:pair                   latest book (cache, then REST)
//	GET /candles/:exchange/:pair?timeframe=1h    latest candle, or history with start/end
//	GET /stream/:exchange/:pair/ticker           websocket of merged tickers
//	GET /stats                                   component counters
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
)

// Store is the latest-value cache the API reads from.
type Store interface {
	Ticker(ctx context.Context, exchangeName, pair string) (model.Ticker, bool, error)
	Tickers(ctx context.Context, exchangeName string) ([]model.Ticker, error)
	Depth(ctx context.Context, exchangeName, pair string) (model.Depth, bool, error)
	Candle(ctx context.Context, exchangeName, pair string, timeframe time.Duration) (model.Candle, bool, error)
	Ping(ctx context.Context) error
}

// Exchanges looks adapters up by name.
type Exchanges interface {
	Names() []string
	Get(name string) (exchange.Exchange, error)
}

// Markets lists the pairs of each exchange.
type Markets interface {
	Pairs(exchangeName string) []string
	LastSync() time.Time
}

// Config configures the HTTP server.
type Config struct {
	Port         int
	Mode         string        // gin mode; empty keeps gin's default
	FetchTimeout time.Duration // Limit for REST fallbacks
}

// Deps are the components the handlers read from. Store may be nil when no
// cache is configured; lookups then go to the exchange directly.
type Deps struct {
	Store     Store
	Exchanges Exchanges
	Markets   Markets
	Stats     func() map[string]any
}

// Response is the JSON envelope of every route.
type Response struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server serves the read API.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// New builds the router.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.engine.Use(gin.Recovery(), s.logRequests())
	s.routes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.health)
	r.GET("/exchanges", s.exchanges)
	r.GET("/markets/:exchange", s.markets)
	r.GET("/tickers/:exchange", s.tickers)
	r.GET("/tickers/:exchange/:pair", s.ticker)
	r.GET("/depth/:exchange/:pair", s.depth)
	r.GET("/candles/:exchange/:pair", s.candles)
	r.GET("/stream/:exchange/:pair/ticker", s.streamTicker)
	r.GET("/stats", s.stats)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens in the background. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting http server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func fail(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, Response{
		Code:    code,
		Message: http.StatusText(code),
		Error:   err.Error(),
	})
}

// statusOf maps adapter errors to HTTP codes.
func statusOf(err error) int {
	var bad *badRequestError
	switch {
	case errors.Is(err, exchange.ErrUnknownExchange):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
