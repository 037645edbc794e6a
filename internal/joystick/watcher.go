// Package joystick publishes SenseHAT stick presses to the events topic.
// The stick shows up as a standard /dev/input/event* device.
package joystick

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/temoto/inputevent-go"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
)

// evKey is the Linux EV_KEY event type.
const evKey uint16 = 0x01

// Linux key codes emitted by the SenseHAT joystick.
const (
	keyEnter uint16 = 28
	keyUp    uint16 = 103
	keyLeft  uint16 = 105
	keyRight uint16 = 106
	keyDown  uint16 = 108
)

// Event is one joystick press/release, published as JSON.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
	Direction string    `json:"direction"`
	Action    string    `json:"action"`
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Watcher reads input events from the joystick device and publishes mapped
// directions. Optional: the agent runs without it when no device is set.
type Watcher struct {
	device   string
	topic    string
	location string
	pub      Publisher
	logger   *slog.Logger
}

func NewWatcher(cfg config.Config, pub Publisher, logger *slog.Logger) *Watcher {
	return &Watcher{
		device:   cfg.JoystickDevice,
		topic:    cfg.EventsTopic(),
		location: cfg.Location,
		pub:      pub,
		logger:   logger,
	}
}

// Run blocks reading the device until ctx is canceled. Device trouble is a
// degradation, not a failure: the watcher logs and returns nil so the rest
// of the agent keeps running.
func (w *Watcher) Run(ctx context.Context) error {
	f, err := os.Open(w.device)
	if err != nil {
		w.logger.Warn("joystick device unavailable, continuing without it", "device", w.device, "error", err)
		return nil
	}

	// The blocking read only unblocks when the file is closed.
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-closed:
		}
		f.Close()
	}()
	defer close(closed)

	w.logger.Info("joystick watcher started", "device", w.device, "topic", w.topic)

	for {
		ev, err := inputevent.ReadOne(f)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("joystick watcher stopped")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			w.logger.Warn("joystick read failed, continuing without it", "error", err)
			return nil
		}
		if ev.Type != evKey {
			continue
		}

		direction := mapDirection(ev.Code)
		if direction == "" {
			continue
		}

		event := Event{
			Timestamp: time.Now(),
			Location:  w.location,
			Direction: direction,
			Action:    mapAction(ev.Value),
		}
		payload, err := json.Marshal(event)
		if err != nil {
			w.logger.Error("marshal joystick event failed", "error", err)
			continue
		}
		if err := w.pub.Publish(w.topic, payload); err != nil {
			w.logger.Warn("joystick publish failed", "topic", w.topic, "error", err)
			continue
		}
		w.logger.Debug("published joystick event", "direction", direction, "action", event.Action)
	}
}

func mapDirection(code uint16) string {
	switch code {
	case keyUp:
		return "up"
	case keyDown:
		return "down"
	case keyLeft:
		return "left"
	case keyRight:
		return "right"
	case keyEnter:
		return "enter"
	default:
		return ""
	}
}

func mapAction(value int32) string {
	switch inputevent.KeyEventState(value) {
	case inputevent.KeyStateDown:
		return "press"
	case inputevent.KeyStateHold:
		return "hold"
	default:
		return "release"
	}
}
