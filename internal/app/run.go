// Package app is the lifecycle controller: it owns the connection state
// machine, drives startup and shutdown, and runs the telemetry loop and
// command listener for the process lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/command"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/joystick"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/led"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/sensor"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/telemetry"
)

// Broker is the slice of the MQTT client the lifecycle controller drives.
// *mqtt.Client satisfies it; tests inject a fake.
type Broker interface {
	SetConnectionHandlers(up func(), lost func(error))
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
}

// App wires the agent together and runs it.
type App struct {
	cfg     config.Config
	broker  Broker
	src     sensor.Source
	display led.Display
	level   *slog.LevelVar
	logger  *slog.Logger
	clk     clock.Clock

	state    atomic.Int32
	stopOnce sync.Once

	// reconnect policy; fixed except in tests
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func New(cfg config.Config, broker Broker, src sensor.Source, display led.Display, level *slog.LevelVar, logger *slog.Logger) *App {
	return &App{
		cfg:            cfg,
		broker:         broker,
		src:            src,
		display:        display,
		level:          level,
		logger:         logger,
		clk:            clock.New(),
		backoffInitial: time.Second,
		backoffMax:     30 * time.Second,
	}
}

// State returns the current connection state.
func (a *App) State() ConnState {
	return ConnState(a.state.Load())
}

func (a *App) setState(s ConnState) {
	old := ConnState(a.state.Swap(int32(s)))
	if old != s {
		a.logger.Info("connection state changed", "from", old.String(), "to", s.String())
	}
}

// Run connects to the broker with the retry policy, announces the agent,
// and runs the telemetry loop and command listener until ctx is canceled or
// one of them fails unrecoverably. Returns nil on clean shutdown.
func (a *App) Run(ctx context.Context) error {
	loop := telemetry.NewLoop(a.cfg, a.src, a.broker, a.clk, a.logger)
	listener := command.NewListener(loop, a.level, a.display, a.logger)

	a.broker.SetConnectionHandlers(a.onConnectionUp, a.onConnectionLost)

	if err := a.connect(ctx); err != nil {
		// A termination signal during the retry phase is a clean shutdown,
		// not a failure.
		if errors.Is(err, context.Canceled) {
			a.shutdown()
			return nil
		}
		a.broker.Disconnect()
		a.setState(StateFailed)
		return err
	}

	if err := a.broker.Subscribe(a.cfg.CommandsTopic(), listener.Handle); err != nil {
		a.shutdown()
		return fmt.Errorf("subscribe to %s: %w", a.cfg.CommandsTopic(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	if a.cfg.JoystickDevice != "" {
		watcher := joystick.NewWatcher(a.cfg, a.broker, a.logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// connect drives the initial broker connection: exponential backoff from
// backoffInitial capped at backoffMax, giving up after cfg.ConnectTimeout
// (zero means retry forever). Every attempt is logged.
func (a *App) connect(ctx context.Context) error {
	a.setState(StateConnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.backoffInitial
	bo.MaxInterval = a.backoffMax
	bo.MaxElapsedTime = a.cfg.ConnectTimeout

	attempt := 0
	op := func() error {
		attempt++
		a.logger.Info("connecting to broker", "broker", a.cfg.BrokerURI, "attempt", attempt)
		return a.broker.Connect(ctx)
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("broker connection attempt failed",
			"attempt", attempt,
			"error", err,
			"retry_in", next,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("broker connection failed after %d attempts: %w", attempt, err)
	}
	return nil
}

// onConnectionUp runs on every connection establishment, including
// reconnects after a drop. The welcome message goes out exactly once per
// established connection.
func (a *App) onConnectionUp() {
	a.setState(StateConnected)
	if a.cfg.WelcomeMsg == "" {
		return
	}
	if err := a.broker.Publish(a.cfg.ReadingsTopic(), []byte(a.cfg.WelcomeMsg)); err != nil {
		a.logger.Warn("welcome publish failed", "error", err)
		return
	}
	a.logger.Info("welcome message published", "topic", a.cfg.ReadingsTopic())
}

// onConnectionLost runs when an established connection drops. The broker
// client reconnects on its own, so this is Connecting, not Failed.
func (a *App) onConnectionLost(err error) {
	if a.State() == StateConnected {
		a.setState(StateConnecting)
	}
}

// shutdown disconnects and finalizes state. Idempotent; safe from any
// goroutine.
func (a *App) shutdown() {
	a.stopOnce.Do(func() {
		a.broker.Disconnect()
		a.setState(StateDisconnected)
		a.logger.Info("agent stopped")
	})
}
