package control

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

const readHeaderTimeout = 10 * time.Second

type ServerOptions struct {
	Address string       // host:port, port 0 picks a free one
	Metrics http.Handler // served on /metrics when set
}

// Server exposes a domain.Contract over HTTP
type Server struct {
	options  ServerOptions
	engine   *gin.Engine
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
}

func NewServer(options ServerOptions, contract domain.Contract, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	registerRoutes(engine, &httpHandler{contract: contract, logger: logger})
	if options.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(options.Metrics))
	}

	return &Server{
		options: options,
		engine:  engine,
		logger:  logger,
	}
}

// Handler exposes the router for in-process use and tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background. It returns the
// bound address, which differs from the configured one for port 0.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", s.options.Address)
	if err != nil {
		return "", errors.NewNetworkError("failed to listen", err).WithContext("address", s.options.Address)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	address := listener.Addr().String()
	s.logger.Infof("Control API listening, address: %s", address)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Control API stopped unexpectedly: %v", err)
		}
	}()
	return address, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Infof("Shutting down control API")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.NewNetworkError("control API shutdown failed", err)
	}
	return nil
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP request, method: %s, path: %s, status: %d, duration: %v",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
