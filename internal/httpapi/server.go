package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"caloo.ch/caloo/internal/auth"
	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/metrics"
)

const (
	defaultFeedWindowDays = 60
	defaultPageSize       = 100
	maxPageSize           = 500
)

// Store is the read/write surface the API handlers need.
type Store interface {
	ListFeedWindow(ctx context.Context, fromDate, toDate string, limit int) ([]db.FeedEntry, error)
	ListMergeRuns(ctx context.Context, limit int) ([]db.MergeRun, error)
	ListReviews(ctx context.Context, status string, limit int) ([]db.Review, error)
	GetReviewByUUID(ctx context.Context, reviewUUID string) (*db.Review, error)
	ResolveReview(ctx context.Context, reviewID int64, status, resolvedBy, note string) error
	ReassignPrimary(ctx context.Context, happeningID, sourceHappeningID int64) error
	CollectStats(ctx context.Context) (*db.Stats, error)
}

var _ Store = (*db.Pool)(nil)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Admin credential for the review resolution endpoints. An empty
	// password hash disables those endpoints entirely.
	AdminUser         string
	AdminPasswordHash string
}

type Server struct {
	store     Store
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	defaultTZ *time.Location
	opts      Options
}

func NewServer(store Store, logger zerolog.Logger, m *metrics.Metrics, defaultTZ *time.Location, opts Options) *Server {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8080
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		store:     store,
		logger:    logger,
		metrics:   m,
		defaultTZ: defaultTZ,
		opts: Options{
			Host:              host,
			Port:              port,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ShutdownTimeout:   shutdownTimeout,
			AdminUser:         opts.AdminUser,
			AdminPasswordHash: opts.AdminPasswordHash,
		},
	}
}

// routes builds the echo instance; split out so handler tests can run
// requests through the full middleware chain without binding a socket.
func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/feed", s.handleFeed)
	api.GET("/stats", s.handleStats)
	api.GET("/runs", s.handleRuns)
	api.GET("/reviews", s.handleReviews)

	admin := api.Group("", s.requireAdmin())
	admin.POST("/reviews/:review_uuid/resolve", s.handleResolveReview)

	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.routes()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("caloo api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("caloo api server stopped")
	return nil
}

func (s *Server) requireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.TrimSpace(s.opts.AdminPasswordHash) == "" {
				return fail(c, http.StatusForbidden, "Admin endpoints are disabled", nil)
			}

			username, password, ok := c.Request().BasicAuth()
			if !ok ||
				username != s.opts.AdminUser ||
				!auth.VerifyPassword(password, s.opts.AdminPasswordHash) {
				c.Response().Header().Set("WWW-Authenticate", `Basic realm="caloo admin"`)
				return fail(c, http.StatusUnauthorized, "Unauthorized", nil)
			}

			c.Set("admin.username", username)
			return next(c)
		}
	}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}
