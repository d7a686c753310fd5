package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modfin/brevq/internal/api"
	"github.com/modfin/brevq/internal/config"
	"github.com/modfin/brevq/internal/dao"
	"github.com/modfin/brevq/internal/metrics"
	"github.com/modfin/brevq/internal/mta"
	"github.com/modfin/brevq/internal/ratelimit"
	"github.com/modfin/brevq/internal/scheduler"
	"github.com/modfin/brevq/internal/smtpx"
	"github.com/modfin/brevq/internal/spool"
	"github.com/modfin/brevq/tools"
	"github.com/modfin/henry/compare"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {

	app := &cli.App{
		Name:   "brevqd",
		Usage:  "a service for scheduling and sending bulk emails",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the api, the scheduler and the workers, configured from BREVQ_* env vars",
				Action: serve,
			},
			{
				Name:      "add-key",
				Usage:     "store an api key for a user",
				ArgsUsage: "<user> <key>",
				Action:    addKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

type stopFunc func(ctx context.Context) error

func (f stopFunc) Stop(ctx context.Context) error {
	return f(ctx)
}

// parseApiKeys reads "user=key" pairs.
func parseApiKeys(pairs []string) (map[string]string, error) {
	keys := map[string]string{}
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, key, ok := strings.Cut(pair, "=")
		user, key = strings.TrimSpace(user), strings.TrimSpace(key)
		if !ok || user == "" || key == "" {
			return nil, fmt.Errorf("api key %q is not on the form user=key", pair)
		}
		keys[key] = user
	}
	return keys, nil
}

func addKey(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("expected <user> <key>")
	}
	cfg := config.Get()
	db, err := dao.New(cfg.DbDriver, cfg.DbURI)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.EnsureApiKey(c.Context, c.Args().Get(1), c.Args().Get(0))
}

func serve(c *cli.Context) error {
	cfg := config.Get()

	lc := tools.NewLogger(cfg.LogLevel, os.Stderr)
	l := lc.New("brevqd")
	l.Infof("Starting server")

	hostname := compare.Coalesce(cfg.Hostname, tools.Hostname())

	db, err := dao.New(cfg.DbDriver, cfg.DbURI)
	if err != nil {
		return fmt.Errorf("could not open %s database, %w", cfg.DbDriver, err)
	}

	keys, err := parseApiKeys(cfg.APIKeys)
	if err != nil {
		return errors.Join(err, db.Close())
	}
	for key, user := range keys {
		err = db.EnsureApiKey(c.Context, key, user)
		if err != nil {
			return errors.Join(fmt.Errorf("could not store api key for %s, %w", user, err), db.Close())
		}
		l.WithField("user", user).Info("api key loaded")
	}

	transport, err := smtpx.New(smtpx.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Hostname: hostname,
	}, lc)
	if err != nil {
		return errors.Join(fmt.Errorf("could not set up smtp transport, %w", err), db.Close())
	}

	var counter ratelimit.Counter
	var closeCounter Stoppable
	if cfg.RedisAddr != "" {
		client, err := ratelimit.NewRedisClient(c.Context, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return errors.Join(err, db.Close())
		}
		l.Infof("Counting hourly quota in redis at %s", cfg.RedisAddr)
		counter = ratelimit.NewRedisCounter(client)
		closeCounter = stopFunc(func(ctx context.Context) error { return client.Close() })
	} else {
		l.Warn("No redis configured, hourly quota is counted in memory and is lost on restart")
		mem := ratelimit.NewMemoryCounter(time.Now)
		counter = mem
		closeCounter = mem
	}
	limiter := ratelimit.New(counter, cfg.MaxEmailsPerHour, lc)

	prom := metrics.New(metrics.Config{
		ServiceName:  "brevqd",
		Push:         cfg.MetricsPushURL,
		PushInterval: cfg.MetricsPushInterval,
	}, lc)

	sp, err := spool.New(spool.Config{
		LeaseTimeout: cfg.LeaseTimeout,
		PollInterval: cfg.PollInterval,
	}, db, lc)
	if err != nil {
		return errors.Join(err, db.Close())
	}

	workers := mta.New(mta.Config{
		Workers: cfg.Workers,
		Pacing:  cfg.EmailDelay,
	}, sp, db, limiter, transport, lc, mta.WithMetrics(metrics.NewMTA(prom.Register())))

	sched := scheduler.New(scheduler.Config{}, db, lc)

	server := api.New(api.Config{
		Port:         cfg.APIPort,
		Hostname:     hostname,
		AutoTLS:      cfg.APIAutoTLS,
		AutoTLSEmail: cfg.APIAutoTLSEmail,
	}, db, sched, prom.HttpMetrics(), lc)

	prom.Start()
	workers.Start()
	server.Start()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	select {
	case sig := <-sigc:
		l.Infof("Got signal: %s, shutting down", sig)
	case <-server.Done():
		l.Warn("Api server stopped, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		<-shutdownCtx.Done()
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
			os.Exit(1)
		}
	}()

	// the api goes first so nothing new is scheduled, the workers then finish what they hold
	stopAll(shutdownCtx, l, server)
	stopAll(shutdownCtx, l, workers, prom)
	stopAll(shutdownCtx, l, sp, closeCounter)

	err = db.Close()
	if err != nil {
		l.WithError(err).Error("Failed to close database")
	}
	l.Infof("Shutdown complete, terminating now")
	return nil
}

func stopAll(ctx context.Context, l *log.Logger, services ...Stoppable) {
	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(ctx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}
	wg.Wait()
}
