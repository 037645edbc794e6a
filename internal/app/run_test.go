package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cgomesu/rpi-sensehat-mqtt/internal/config"
	"github.com/cgomesu/rpi-sensehat-mqtt/internal/led"
)

type fakeBroker struct {
	mu          sync.Mutex
	up          func()
	lost        func(error)
	failFirstN  int
	connects    int
	disconnects int
	published   map[string][]string
	handlers    map[string]func(topic string, payload []byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published: make(map[string][]string),
		handlers:  make(map[string]func(string, []byte)),
	}
}

func (f *fakeBroker) SetConnectionHandlers(up func(), lost func(error)) {
	f.mu.Lock()
	f.up = up
	f.lost = lost
	f.mu.Unlock()
}

func (f *fakeBroker) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	fail := f.connects <= f.failFirstN
	up := f.up
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	if up != nil {
		up()
	}
	return nil
}

func (f *fakeBroker) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], string(payload))
	return nil
}

func (f *fakeBroker) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeBroker) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeBroker) messages(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published[topic]))
	copy(out, f.published[topic])
	return out
}

func (f *fakeBroker) handler(topic string) func(string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeBroker) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeBroker) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fixedSource struct {
	fields map[string]float64
}

func (s fixedSource) Snapshot() (map[string]float64, error) { return s.fields, nil }

func testConfig() config.Config {
	return config.Config{
		CycleInterval:  5 * time.Second,
		Location:       "home",
		Measurement:    "environment",
		WelcomeMsg:     "agent online",
		BrokerURI:      "tcp://localhost:1883",
		TopicPrefix:    "sensehat",
		ConnectTimeout: time.Minute,
	}
}

func newTestApp(cfg config.Config, broker Broker) (*App, *clock.Mock) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	level := new(slog.LevelVar)
	a := New(cfg, broker, fixedSource{fields: map[string]float64{"temp": 21.5}}, led.Null{}, level, logger)
	mock := clock.NewMock()
	a.clk = mock
	a.backoffInitial = time.Millisecond
	a.backoffMax = 2 * time.Millisecond
	return a, mock
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func countReadings(msgs []string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m, `"fields"`) {
			n++
		}
	}
	return n
}

func TestRun_WelcomePublishedExactlyOnce(t *testing.T) {
	broker := newFakeBroker()
	a, _ := newTestApp(testConfig(), broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return broker.handler("sensehat/commands") != nil }, "never subscribed to commands")

	welcomes := 0
	for _, m := range broker.messages("sensehat/readings") {
		if m == "agent online" {
			welcomes++
		}
	}
	if welcomes != 1 {
		t.Errorf("welcome published %d times; want 1", welcomes)
	}
	if a.State() != StateConnected {
		t.Errorf("state = %v; want connected", a.State())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v; want nil on clean shutdown", err)
	}
	if a.State() != StateDisconnected {
		t.Errorf("state after shutdown = %v; want disconnected", a.State())
	}
}

func TestRun_NoWelcomeWhenConnectionNeverSucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	broker := newFakeBroker()
	broker.failFirstN = 1 << 30

	a, _ := newTestApp(cfg, broker)

	err := a.Run(context.Background())
	if err == nil {
		t.Fatal("Run err = nil; want connection failure")
	}
	if got := len(broker.messages("sensehat/readings")); got != 0 {
		t.Errorf("published %d messages despite never connecting; want 0", got)
	}
	if broker.connectCount() < 2 {
		t.Errorf("connect attempts = %d; want at least 2 (retry policy)", broker.connectCount())
	}
	if a.State() != StateFailed {
		t.Errorf("state = %v; want failed", a.State())
	}
	// The client is told to stand down even though nothing connected.
	if broker.disconnectCount() != 1 {
		t.Errorf("disconnects = %d; want 1", broker.disconnectCount())
	}
}

func TestRun_SignalDuringConnectIsCleanShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 0 // retry forever; only the signal stops it
	broker := newFakeBroker()
	broker.failFirstN = 1 << 30

	a, _ := newTestApp(cfg, broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return broker.connectCount() >= 2 }, "retry loop never started")
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run returned %v; want nil (termination signal is a clean shutdown)", err)
	}
	if a.State() != StateDisconnected {
		t.Errorf("state = %v; want disconnected", a.State())
	}
	if broker.disconnectCount() != 1 {
		t.Errorf("disconnects = %d; want 1", broker.disconnectCount())
	}
	if got := len(broker.messages("sensehat/readings")); got != 0 {
		t.Errorf("published %d messages despite never connecting; want 0", got)
	}
}

func TestRun_ConnectRetriesThenSucceeds(t *testing.T) {
	broker := newFakeBroker()
	broker.failFirstN = 3

	a, _ := newTestApp(testConfig(), broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return a.State() == StateConnected }, "never reached connected state")
	if broker.connectCount() != 4 {
		t.Errorf("connect attempts = %d; want 4 (3 failures + 1 success)", broker.connectCount())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v; want nil", err)
	}
}

func TestRun_PublishNowCommandTriggersExtraReading(t *testing.T) {
	broker := newFakeBroker()
	a, mock := newTestApp(testConfig(), broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return broker.handler("sensehat/commands") != nil }, "never subscribed to commands")
	// Give the telemetry loop a moment to arm its ticker on the mock clock.
	time.Sleep(10 * time.Millisecond)

	handle := broker.handler("sensehat/commands")
	handle("sensehat/commands", []byte("publish-now"))
	waitFor(t, func() bool {
		return countReadings(broker.messages("sensehat/readings")) == 1
	}, "publish-now produced no out-of-cycle reading")

	// The regular schedule still runs on top of the triggered publish.
	mock.Add(5 * time.Second)
	waitFor(t, func() bool {
		return countReadings(broker.messages("sensehat/readings")) == 2
	}, "scheduled cycle did not publish after publish-now")

	cancel()
	<-done
}

func TestRun_UnknownCommandIsHarmless(t *testing.T) {
	broker := newFakeBroker()
	a, mock := newTestApp(testConfig(), broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return broker.handler("sensehat/commands") != nil }, "never subscribed to commands")
	time.Sleep(10 * time.Millisecond)

	handle := broker.handler("sensehat/commands")
	handle("sensehat/commands", []byte("frobnicate"))

	if got := countReadings(broker.messages("sensehat/readings")); got != 0 {
		t.Errorf("unknown command produced %d readings; want 0", got)
	}

	// The agent still publishes on schedule afterwards.
	mock.Add(5 * time.Second)
	waitFor(t, func() bool {
		return countReadings(broker.messages("sensehat/readings")) == 1
	}, "no scheduled publish after unknown command")

	cancel()
	<-done
}

func TestShutdown_Idempotent(t *testing.T) {
	broker := newFakeBroker()
	a, _ := newTestApp(testConfig(), broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return a.State() == StateConnected }, "never connected")
	cancel()
	<-done

	if a.State() != StateDisconnected {
		t.Fatalf("state = %v; want disconnected", a.State())
	}
	if broker.disconnectCount() != 1 {
		t.Fatalf("disconnects = %d; want 1", broker.disconnectCount())
	}

	// A second stop is a no-op.
	a.shutdown()
	if broker.disconnectCount() != 1 {
		t.Errorf("disconnects after second shutdown = %d; want 1", broker.disconnectCount())
	}
	if a.State() != StateDisconnected {
		t.Errorf("state after second shutdown = %v; want disconnected", a.State())
	}
}

func TestConnState_String(t *testing.T) {
	cases := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateFailed:       "failed",
		ConnState(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("ConnState(%d).String() = %q; want %q", state, got, want)
		}
	}
}
