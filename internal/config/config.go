package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved agent configuration. It is built once by
// LoadFromEnv and never mutated afterwards.
type Config struct {
	AppEnv   string
	LogLevel slog.Level

	CycleInterval time.Duration
	Location      string
	Measurement   string
	WelcomeMsg    string

	BrokerURI      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	ConnectTimeout time.Duration

	SensorRounding int
	BME280Address  uint16
	JoystickDevice string
}

// ReadingsTopic is the outbound topic for sensor readings and the welcome
// message.
func (c Config) ReadingsTopic() string { return c.TopicPrefix + "/readings" }

// CommandsTopic is the inbound topic the agent subscribes to for commands.
func (c Config) CommandsTopic() string { return c.TopicPrefix + "/commands" }

// EventsTopic is the outbound topic for joystick events.
func (c Config) EventsTopic() string { return c.TopicPrefix + "/events" }

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := ParseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cycleStr := strings.TrimSpace(os.Getenv("CYCLE_SECONDS"))
	if cycleStr == "" {
		cycleStr = "60"
	}
	cycleSeconds, err := strconv.Atoi(cycleStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid CYCLE_SECONDS %q: %w", cycleStr, err)
	}
	if cycleSeconds <= 0 {
		return Config{}, fmt.Errorf("CYCLE_SECONDS must be positive, got %d", cycleSeconds)
	}

	location := strings.TrimSpace(os.Getenv("LOCATION"))
	if location == "" {
		location = "home"
	}

	measurement := strings.TrimSpace(os.Getenv("MEASUREMENT_NAME"))
	if measurement == "" {
		measurement = "environment"
	}

	welcome, welcomeSet := os.LookupEnv("WELCOME_MESSAGE")
	if !welcomeSet {
		welcome = "sensehat-agent online"
	}
	welcome = strings.TrimSpace(welcome)

	brokerURI := strings.TrimSpace(os.Getenv("MQTT_BROKER_URI"))
	if brokerURI == "" {
		brokerURI = "tcp://localhost:1883"
	}
	if err := validateBrokerURI(brokerURI); err != nil {
		return Config{}, err
	}

	clientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if clientID == "" {
		clientID = "sensehat-agent"
	}

	prefix := strings.TrimSpace(os.Getenv("TOPIC_PREFIX"))
	if prefix == "" {
		prefix = "sensehat"
	}
	if err := validateTopicPrefix(prefix); err != nil {
		return Config{}, err
	}

	connectTimeoutStr := strings.TrimSpace(os.Getenv("MQTT_CONNECT_TIMEOUT"))
	if connectTimeoutStr == "" {
		connectTimeoutStr = "1m"
	}
	connectTimeout, err := time.ParseDuration(connectTimeoutStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_CONNECT_TIMEOUT %q: %w", connectTimeoutStr, err)
	}
	if connectTimeout < 0 {
		return Config{}, fmt.Errorf("MQTT_CONNECT_TIMEOUT must not be negative, got %v", connectTimeout)
	}

	roundingStr := strings.TrimSpace(os.Getenv("SENSOR_ROUNDING"))
	if roundingStr == "" {
		roundingStr = "2"
	}
	rounding, err := strconv.Atoi(roundingStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENSOR_ROUNDING %q: %w", roundingStr, err)
	}
	if rounding < 0 || rounding > 6 {
		return Config{}, fmt.Errorf("SENSOR_ROUNDING must be in 0..6, got %d", rounding)
	}

	bme280AddressStr := strings.TrimSpace(os.Getenv("BME280_ADDRESS"))
	if bme280AddressStr == "" {
		bme280AddressStr = "0x76"
	}
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}

	return Config{
		AppEnv:         appEnv,
		LogLevel:       level,
		CycleInterval:  time.Duration(cycleSeconds) * time.Second,
		Location:       location,
		Measurement:    measurement,
		WelcomeMsg:     welcome,
		BrokerURI:      brokerURI,
		ClientID:       clientID,
		Username:       strings.TrimSpace(os.Getenv("MQTT_USER")),
		Password:       os.Getenv("MQTT_PASSWORD"),
		TopicPrefix:    prefix,
		ConnectTimeout: connectTimeout,
		SensorRounding: rounding,
		BME280Address:  uint16(bme280Address),
		JoystickDevice: strings.TrimSpace(os.Getenv("JOYSTICK_DEVICE")),
	}, nil
}

func validateBrokerURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid MQTT_BROKER_URI %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return fmt.Errorf("invalid MQTT_BROKER_URI %q: scheme %q not supported (allowed: tcp, ssl, tls, ws, wss)", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid MQTT_BROKER_URI %q: missing host", raw)
	}
	portStr := u.Port()
	if portStr == "" {
		return fmt.Errorf("invalid MQTT_BROKER_URI %q: missing port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid MQTT_BROKER_URI %q: bad port %q", raw, portStr)
	}
	return nil
}

func validateTopicPrefix(prefix string) error {
	if strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("invalid TOPIC_PREFIX %q: must not start or end with '/'", prefix)
	}
	if strings.ContainsAny(prefix, "+#") {
		return fmt.Errorf("invalid TOPIC_PREFIX %q: wildcards not allowed", prefix)
	}
	return nil
}

// ParseLogLevel maps a level name to its slog level. Shared with the command
// listener for runtime level changes.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (allowed: debug, info, warn, error)", s)
	}
}
