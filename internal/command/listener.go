// Package command interprets inbound messages on the commands topic.
// The command set is closed; anything unrecognized is logged and dropped.
package command

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/led"
)

// maxLoggedPayload bounds how much of an unknown payload reaches the log.
const maxLoggedPayload = 64

// Recognized command verbs.
const (
	cmdPublishNow  = "publish-now"
	cmdSetLogLevel = "set-log-level:"
	cmdDisplay     = "display:"
)

// Trigger requests one immediate out-of-cycle reading publish.
type Trigger interface {
	TriggerPublish() bool
}

// Listener dispatches inbound command messages. Handle is invoked from the
// broker client's delivery goroutine, sequentially per subscription, and
// never blocks the telemetry loop.
type Listener struct {
	trigger Trigger
	level   *slog.LevelVar
	display led.Display
	logger  *slog.Logger
}

func NewListener(trigger Trigger, level *slog.LevelVar, display led.Display, logger *slog.Logger) *Listener {
	return &Listener{
		trigger: trigger,
		level:   level,
		display: display,
		logger:  logger,
	}
}

// Handle parses one inbound payload and executes its effect. Malformed input
// is never fatal; the listener keeps accepting messages.
func (l *Listener) Handle(topic string, payload []byte) {
	cmd := strings.TrimSpace(string(payload))

	switch {
	case cmd == cmdPublishNow:
		if l.trigger.TriggerPublish() {
			l.logger.Info("command: immediate publish triggered")
		} else {
			l.logger.Warn("command: publish already pending, trigger dropped")
		}

	case strings.HasPrefix(cmd, cmdSetLogLevel):
		arg := strings.TrimPrefix(cmd, cmdSetLogLevel)
		level, err := config.ParseLogLevel(arg)
		if err != nil {
			l.logger.Warn("command: bad log level", "error", err)
			return
		}
		l.level.Set(level)
		l.logger.Info("command: log level changed", "level", level.String())

	case strings.HasPrefix(cmd, cmdDisplay):
		text := strings.TrimPrefix(cmd, cmdDisplay)
		if err := l.display.Show(text); err != nil {
			l.logger.Warn("command: display failed", "error", err)
			return
		}
		l.logger.Info("command: displayed text", "text", text)

	default:
		l.logger.Warn("unknown command",
			"topic", topic,
			"payload", truncate(cmd, maxLoggedPayload),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the log line stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
