// Package telemetry implements the publish cycle: one sensor reading per
// cycle interval, serialized and published to the readings topic.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/mqtt"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/sensor"
)

// Publisher is the outbound slice of the broker client the loop needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Loop produces and publishes one Reading per cycle. A single recoverable
// failure (sensor read, publish) skips that cycle and never stops the loop.
type Loop struct {
	src         sensor.Source
	pub         Publisher
	clk         clock.Clock
	interval    time.Duration
	topic       string
	location    string
	measurement string
	logger      *slog.Logger

	trigger chan struct{}
}

// NewLoop builds a Loop from the agent configuration. clk is injectable so
// tests can drive ticks with a mock clock.
func NewLoop(cfg config.Config, src sensor.Source, pub Publisher, clk clock.Clock, logger *slog.Logger) *Loop {
	return &Loop{
		src:         src,
		pub:         pub,
		clk:         clk,
		interval:    cfg.CycleInterval,
		topic:       cfg.ReadingsTopic(),
		location:    cfg.Location,
		measurement: cfg.Measurement,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
	}
}

// TriggerPublish requests one immediate out-of-cycle publish without
// disturbing the cycle schedule. Non-blocking; reports false when a trigger
// is already pending.
func (l *Loop) TriggerPublish() bool {
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drives the cycle until ctx is canceled. Ticks come from a monotonic
// ticker, so slow iterations do not accumulate delay; an iteration that
// overruns the interval only logs a drift warning.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("telemetry loop started", "interval", l.interval, "topic", l.topic)

	ticker := l.clk.Ticker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("telemetry loop stopped")
			return ctx.Err()
		case <-ticker.C:
			start := l.clk.Now()
			l.publishReading()
			if elapsed := l.clk.Since(start); elapsed > l.interval {
				l.logger.Warn("cycle overran its interval, next tick fires immediately",
					"elapsed", elapsed,
					"interval", l.interval,
				)
			}
		case <-l.trigger:
			l.logger.Info("out-of-cycle publish triggered")
			l.publishReading()
		}
	}
}

func (l *Loop) publishReading() {
	fields, err := l.src.Snapshot()
	if err != nil {
		l.logger.Warn("sensor read failed, skipping cycle", "error", err)
		return
	}

	reading := sensor.Reading{
		Timestamp:   l.clk.Now(),
		Location:    l.location,
		Measurement: l.measurement,
		Fields:      fields,
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		l.logger.Error("marshal reading failed, skipping cycle", "error", err)
		return
	}

	if err := l.pub.Publish(l.topic, payload); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			// Reconnection is the lifecycle controller's business; a later
			// cycle will publish again once the connection is back.
			l.logger.Warn("publish skipped, broker not connected")
			return
		}
		l.logger.Error("publish failed", "topic", l.topic, "error", err)
		return
	}

	l.logger.Debug("published reading", "topic", l.topic, "fields", len(fields))
}
