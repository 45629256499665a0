package app

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-service/internal/config"
	"meeting-transcript-service/internal/observability/logging"
)

// ErrNotReady is returned by Ready before Start or after Shutdown.
var ErrNotReady = errors.New("application not ready")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	ready atomic.Bool
}

// New constructs a new Application from the provided configuration and sets
// up global logging.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Meeting transcript service application created")
	return a
}

func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	if a.Cfg.Service.DevMode {
		lc.Format = "console"
	}
	logging.Init(lc)

	a.Logger = logging.WithComponent("application")
	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Bool("devMode", a.Cfg.Service.DevMode).
		Msg("Logger setup completed")
}

// Start marks the application ready to serve traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Meeting transcript service starting")

	return nil
}

// Ready returns nil while the application accepts traffic.
func (a *Application) Ready() error {
	if !a.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Uptime returns the time since Start.
func (a *Application) Uptime() time.Duration {
	if a.StartupTime.IsZero() {
		return 0
	}
	return time.Since(a.StartupTime)
}

// Shutdown stops reporting ready. Servers are drained by the caller.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	a.ready.Store(false)
	shutdownLogger.Info().
		Dur("uptime", a.Uptime()).
		Msg("Meeting transcript service shutting down")
}
