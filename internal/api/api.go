package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/brevq"
	"github.com/modfin/brevq/internal/dao"
	"github.com/modfin/brevq/tools"
	"github.com/modfin/henry/compare"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Port         int
	Hostname     string
	AutoTLS      bool
	AutoTLSEmail string
	CertDir      string
}

type Scheduler interface {
	ScheduleBulk(ctx context.Context, userID string, req brevq.BulkRequest) ([]brevq.Summary, error)
}

type Server struct {
	cfg   Config
	db    dao.DAO
	sched Scheduler
	log   *logrus.Logger
	e     *echo.Echo

	done chan struct{}
	once sync.Once
}

type response struct {
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

const userKey = "user_id"

// New sets up routes. metricsHandler is mounted at /metrics when not nil.
func New(cfg Config, db dao.DAO, sched Scheduler, metricsHandler http.Handler, lc *tools.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		db:    db,
		sched: sched,
		log:   lc.New("api"),
		done:  make(chan struct{}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	prom := prometheus.NewPrometheus("brevq", func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/ping"
	})
	e.Use(middleware.Recover(), s.requestLogger(), prom.HandlerFunc)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, ".")
	})
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	g := e.Group("/emails", s.authenticate)
	g.POST("/schedule", s.schedule)
	g.GET("/scheduled", s.scheduled)
	g.GET("/sent", s.sent)

	s.e = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURIPath: true,
		LogMethod:  true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.WithField("status", v.Status).WithField("latency", v.Latency.String()).
				Debugf("%s %s", v.Method, v.URIPath)
			return nil
		},
	})
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal server error"

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		msg = fmt.Sprint(he.Message)
	case brevq.IsValidation(err):
		code = http.StatusBadRequest
		msg = err.Error()
	default:
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}

	err = c.JSON(code, response{Message: msg})
	if err != nil {
		s.log.WithError(err).Error("could not write error response")
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.QueryParam("key")
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "an api key must be provided")
		}
		apiKey, err := s.db.GetApiKey(c.Request().Context(), key)
		if errors.Is(err, dao.ErrNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		}
		if err != nil {
			return fmt.Errorf("failed to retrieve key, %w", err)
		}
		c.Set(userKey, apiKey.UserID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", compare.Coalesce(s.cfg.Port, 8080))
	go func() {
		defer s.once.Do(func() { close(s.done) })

		var err error
		if s.cfg.AutoTLS {
			email := strings.TrimSpace(s.cfg.AutoTLSEmail)
			if email == "" {
				s.log.Warn("auto tls is enabled, but no auto tls email is set")
			}
			s.e.AutoTLSManager.Cache = autocert.DirCache(compare.Coalesce(s.cfg.CertDir, "/var/lib/brevq"))
			s.e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.Hostname)
			s.e.AutoTLSManager.Email = email
			s.log.Infof("Starting api on %s with auto tls for %s", addr, s.cfg.Hostname)
			err = s.e.StartAutoTLS(addr)
		} else {
			s.log.Infof("Starting api on %s", addr)
			err = s.e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api stopped")
		}
	}()
}

func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down api server")
	return s.e.Shutdown(ctx)
}
