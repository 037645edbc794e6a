package sensor

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"
)

// SenseHat reads the environmental sensors over I2C. The BME280 on the HAT
// covers temperature, humidity, and pressure in one transaction.
type SenseHat struct {
	mu       sync.Mutex
	bus      i2c.BusCloser
	dev      *bmxx80.Dev
	rounding int
}

// OpenSenseHat initializes the periph host, opens the default I2C bus
// (usually /dev/i2c-1), and probes the sensor at addr.
func OpenSenseHat(addr uint16, rounding int) (*SenseHat, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("open i2c bus: %w", err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("probe sensor at %#x: %w", addr, err)
	}

	return &SenseHat{bus: bus, dev: dev, rounding: rounding}, nil
}

// Snapshot performs one sensor read and converts the raw physic units into
// the published field set.
func (s *SenseHat) Snapshot() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var env physic.Env
	if err := s.dev.Sense(&env); err != nil {
		return nil, fmt.Errorf("sense: %w", err)
	}

	// Humidity is a fixed-point int32 at 0.00001 %rH precision; pressure is
	// an int64 in nano-Pascal.
	return map[string]float64{
		"temperature_c": Round(env.Temperature.Celsius(), s.rounding),
		"humidity_pct":  Round(float64(env.Humidity)/100000.0, s.rounding),
		"pressure_hpa":  Round(float64(env.Pressure)/10000000.0, s.rounding),
	}, nil
}

// Close halts the device and releases the bus.
func (s *SenseHat) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dev.Halt(); err != nil {
		s.bus.Close()
		return fmt.Errorf("halt sensor: %w", err)
	}
	return s.bus.Close()
}
