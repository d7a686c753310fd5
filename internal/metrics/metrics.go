package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/modfin/brevq/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string
	Push         string
	PushInterval time.Duration
	PollUser     string
	PollPassword string
}

func New(c Config, lc *tools.Logger) *Metrics {
	return NewWithRegistry(c, lc, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry is New on a registry of its own, tests use it to avoid duplicate registration.
func NewWithRegistry(c Config, lc *tools.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if c.ServiceName == "" {
		c.ServiceName = "brevq"
	}
	p := &Metrics{
		config:   c,
		logger:   lc.New("prometheus"),
		reg:      reg,
		gatherer: gatherer,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, c.ServiceName).Gatherer(gatherer)
	}
	return p
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config   Config
	pusher   *push.Pusher
	logger   *logrus.Logger
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	ostart sync.Once
	ostop  sync.Once
}

// Start pushes to the configured gateway periodically. Without a push url it does nothing.
func (p *Metrics) Start() {
	p.ostart.Do(func() {
		if p.pusher == nil {
			close(p.stopped)
			return
		}
		if p.config.PushInterval < 10*time.Second {
			p.config.PushInterval = 1 * time.Minute
		}
		p.logger.Infof("pushing metrics to %s every %s", p.config.Push, p.config.PushInterval)
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					p.push()
					return
				case <-ticker.C:
					p.push()
				}
			}
		}()
	})
}

func (p *Metrics) Stop(ctx context.Context) error {
	p.Start()
	p.ostop.Do(func() {
		close(p.done)
	})
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Metrics) Register() promauto.Factory {
	return promauto.With(p.reg)
}

// HttpMetrics serves the registry, behind basic auth when a poll user or password is set.
func (p *Metrics) HttpMetrics() http.HandlerFunc {
	if p.config.PollUser != "" || p.config.PollPassword != "" {
		p.logger.WithField("user", p.config.PollUser).Infof("basic auth enabled for metrics polling endpoint")
	}

	handler := promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
	return func(writer http.ResponseWriter, request *http.Request) {
		if p.config.PollUser != "" || p.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != p.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(p.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(writer, request)
	}
}

func (p *Metrics) push() {
	if p.pusher == nil {
		return
	}
	p.logger.Debugf("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.Errorf("failed to push metrics: %v", err)
	}
}
