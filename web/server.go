package web

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/checkpoint"
	"github.com/infigaming-com/go-eventhubs/web/middleware"
)

const shutdownTimeout = 15 * time.Second

type Server struct {
	engine     *gin.Engine
	mode       string
	port       int64
	lg         *zap.Logger
	status     StatusSource
	store      checkpoint.Store
	middleware []gin.HandlerFunc
}

type Option func(*Server)

func defaultServer() *Server {
	return &Server{
		mode: gin.ReleaseMode,
		port: 8080,
		lg:   zap.NewNop(),
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithPort(port int64) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(s *Server) {
		if lg != nil {
			s.lg = lg
		}
	}
}

// WithStatus makes /healthcheck report the connection state of src.
func WithStatus(src StatusSource) Option {
	return func(s *Server) {
		s.status = src
	}
}

// WithCheckpointStore exposes read-only checkpoint and ownership listings.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

func WithMiddleware(handlers ...gin.HandlerFunc) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, handlers...)
	}
}

func NewServer(opts ...Option) *Server {
	s := defaultServer()
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.CorrelationIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(
		middleware.WithLogger(s.lg),
		middleware.WithExcludePaths("/", "/healthcheck"),
	))
	s.engine.Use(s.middleware...)

	s.engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.GET("/healthcheck", s.healthcheck)
	if s.store != nil {
		s.engine.GET("/checkpoints/:namespace/:eventhub/:group", s.listCheckpoints)
		s.engine.GET("/ownership/:namespace/:eventhub/:group", s.listOwnership)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done or the process receives SIGINT or SIGTERM,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", s.port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.lg.Info("starting web server ...", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.lg.Error("fail to listenAndServe", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.lg.Info("shutdown web server ...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.lg.Error("fail to shutdown web server", zap.Error(err))
		return err
	}
	s.lg.Info("web server exiting")
	return nil
}
