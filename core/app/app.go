package app

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/app/services"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/metrics"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type App struct {
	address            string
	corsAllowedOrigins []string
	logger             *log.Entry
	readTimeout        time.Duration
	writeTimeout       time.Duration
	handler            http.Handler
	appContext         context.Context
	appShutdown        context.CancelFunc
}

func NewApp(ctx context.Context, c *config.Config, registry state.Registry, m *metrics.Metrics) (*App, error) {
	app := &App{logger: log.WithField("component", "app")}
	app.appContext, app.appShutdown = context.WithCancel(ctx)
	app.configure(c)

	es, err := services.NewExperimentService(c, registry)
	if err != nil {
		return nil, errors.Wrap(err, "problem initializing experiment service")
	}
	app.handler = Initialize(es, m.Handler(), app.corsAllowedOrigins)
	return app, nil
}

func (app *App) Handler() http.Handler {
	return app.handler
}

func (app *App) Run() error {
	srv := &http.Server{
		Addr:         app.address,
		Handler:      app.handler,
		ReadTimeout:  app.readTimeout,
		WriteTimeout: app.writeTimeout,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(signals)
		app.appShutdown()
	}()

	go func() {
		select {
		case <-signals:
			app.logger.Info("shutting down")
		case <-app.appContext.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.writeTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.WithField("address", app.address).Info("serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (app *App) configure(c *config.Config) {
	app.address = c.GetString("http.server.listen_address")
	app.readTimeout = time.Duration(c.GetInt("http.server.read_timeout_seconds")) * time.Second
	app.writeTimeout = time.Duration(10) * time.Second

	if c.IsSet("http.server.write_timeout_seconds") {
		app.writeTimeout = time.Duration(c.GetInt("http.server.write_timeout_seconds")) * time.Second
	}

	app.corsAllowedOrigins = c.GetStringSlice("http.server.cors_allowed_origins")
}
