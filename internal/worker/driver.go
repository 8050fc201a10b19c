package worker

import (
	"fmt"
	"time"

	"github.com/TomW-Skyline/CellScanner-Service/internal/device"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
)

// DriverSimulator selects the built-in simulated device.
const DriverSimulator = "simulator"

// NewDriver builds the device driver named by cfg.Driver.
func NewDriver(cfg config.DeviceConfig) (device.Driver, error) {
	switch cfg.Driver {
	case DriverSimulator, "":
		return device.NewSimulator(device.SimulatorConfig{
			Version:      cfg.Simulator.Version,
			Serial:       cfg.Simulator.Serial,
			RestartDelay: time.Duration(cfg.Simulator.RestartDelay) * time.Millisecond,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported device driver %q", cfg.Driver)
	}
}
