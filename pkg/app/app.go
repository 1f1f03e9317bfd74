package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gymdock/gymdock/pkg/batch"
	"github.com/gymdock/gymdock/pkg/config"
	"github.com/gymdock/gymdock/pkg/docker"
	"github.com/gymdock/gymdock/pkg/hooks"
	"github.com/gymdock/gymdock/pkg/log"
	"github.com/gymdock/gymdock/pkg/server"
	"github.com/gymdock/gymdock/pkg/session"
	"github.com/gymdock/gymdock/pkg/utils"
	"github.com/sirupsen/logrus"
)

// how long a graceful shutdown may take before we give up on stragglers
const shutdownTimeout = 10 * time.Second

// App struct
type App struct {
	closers []io.Closer

	Config  *config.ServerConfig
	Log     *logrus.Entry
	Gateway *docker.Gateway
	Manager *session.Manager
	Batcher *batch.Batcher
	Hooks   *hooks.Hooks
	Server  *server.Server
}

// NewApp bootstrap a new application. A nil hook set gets the defaults;
// embedders pass their own to customize env selection.
func NewApp(cfg *config.ServerConfig, hookSet *hooks.Hooks) (*App, error) {
	app := &App{
		closers: []io.Closer{},
		Config:  cfg,
	}
	app.Log = log.NewLogger(cfg)

	gateway, err := docker.NewGateway(app.Log, cfg)
	if err != nil {
		return app, err
	}
	app.Gateway = gateway
	app.closers = append(app.closers, gateway)

	app.Manager = session.NewManager(app.Log, cfg, gateway)
	app.Batcher = batch.NewBatcher(app.Log, cfg)

	if hookSet == nil {
		hookSet = hooks.NewDefaultHooks(app.Log, cfg)
	}
	app.Hooks = hookSet

	app.Server = server.NewServer(app.Log, cfg, app.Manager, app.Batcher, app.Hooks)
	return app, nil
}

// Run brings the fleet up and serves the API until a signal arrives or the
// listener fails. Startup order: probe the daemon, sweep orphans from a
// previous run, start the eviction loop, run the startup hook, listen.
func (app *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := app.Gateway.Ping(ctx); err != nil {
		return err
	}

	app.Manager.CleanupOrphans(ctx)
	app.Manager.StartEvictionLoop(ctx)

	if err := app.Hooks.Startup(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:        net.JoinHostPort(app.Config.Host, strconv.Itoa(app.Config.Port)),
		Handler:     app.Server.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	listenErr := make(chan error, 1)
	go func() {
		app.Log.WithFields(logrus.Fields{
			"addr":  httpServer.Addr,
			"title": app.Config.Title,
		}).Info("Serving API")
		listenErr <- httpServer.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-listenErr:
		return err
	case sig := <-signals:
		app.Log.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		app.Log.WithError(err).Warn("HTTP shutdown did not finish cleanly")
	}
	if err := app.Hooks.Shutdown(shutdownCtx); err != nil {
		app.Log.WithError(err).Warn("Shutdown hook failed")
	}

	// stops the eviction loop before the table is torn down
	cancel()
	app.Manager.Shutdown(shutdownCtx)

	return nil
}

func (app *App) Close() error {
	return utils.CloseMany(app.closers)
}

type errorMapping struct {
	originalError string
	newError      string
}

// KnownError takes an error and tells us whether it's an error that we know about where we can print a nicely formatted version of it rather than panicking with a stack trace
func (app *App) KnownError(err error) (string, bool) {
	errorMessage := err.Error()

	mappings := []errorMapping{
		{
			originalError: "Got permission denied while trying to connect to the Docker daemon socket",
			newError:      "Cannot access the Docker daemon socket: permission denied.\nAdd your user to the docker group, or point DOCKER_HOST at a socket you can reach.",
		},
		{
			originalError: "Cannot connect to the Docker daemon",
			newError:      "Cannot connect to the Docker daemon. Is it running?",
		},
	}

	for _, mapping := range mappings {
		if strings.Contains(errorMessage, mapping.originalError) {
			return mapping.newError, true
		}
	}

	return "", false
}
