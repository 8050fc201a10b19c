package device

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// Version is reported by Version.
	Version int

	// Serial identifies the simulated unit in measurement data.
	Serial string

	// RestartDelay is how long Restart blocks.
	RestartDelay time.Duration
}

// Simulator is a Driver that produces synthetic measurements.
//
// Like the hardware library it binds itself to the thread of the first
// call and rejects calls from any other thread.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	owner     int
	onLog     LogCallback
	onError   LogCallback
	onMeas    MeasurementCallback
	ip        string
	gps       bool
	freqs     []scanner.FrequencyEntry
	interval  time.Duration
	measuring bool
	stop      chan struct{}
	done      chan struct{}

	// Blocks handed to the measurement callback; reused for every emit.
	emitMu    sync.Mutex
	seq       int
	commonBuf bytes.Buffer
	infoBuf   bytes.Buffer

	wrongThread atomic.Int64
}

// NewSimulator creates a simulated device.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Version == 0 {
		cfg.Version = 10000
	}
	if cfg.Serial == "" {
		cfg.Serial = "SIM-0001"
	}
	return &Simulator{
		cfg:      cfg,
		interval: DefaultMeasurementInterval,
	}
}

// WrongThreadCalls returns how many calls were rejected for arriving on
// the wrong thread.
func (s *Simulator) WrongThreadCalls() int64 {
	return s.wrongThread.Load()
}

// enter binds the simulator to the calling thread on first use and
// reports whether the caller is on that thread. Callers hold s.mu.
func (s *Simulator) enter() bool {
	tid := unix.Gettid()
	if s.owner == 0 {
		s.owner = tid
	}
	if tid != s.owner {
		s.wrongThread.Add(1)
		return false
	}
	return true
}

func (s *Simulator) logf(format string, args ...any) {
	if cb := s.onLog; cb != nil {
		cb(fmt.Sprintf(format, args...))
	}
}

func (s *Simulator) errorf(format string, args ...any) {
	if cb := s.onError; cb != nil {
		cb(fmt.Sprintf(format, args...))
	}
}

// DefineLogCallback registers the receiver of informational lines.
func (s *Simulator) DefineLogCallback(cb LogCallback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	s.onLog = cb
	return StatusOK
}

// DefineErrorCallback registers the receiver of error lines.
func (s *Simulator) DefineErrorCallback(cb LogCallback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	s.onError = cb
	return StatusOK
}

// DefineMeasurementCallback registers the receiver of measurement
// blocks. The blocks are reused after the callback returns.
func (s *Simulator) DefineMeasurementCallback(cb MeasurementCallback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	s.onMeas = cb
	return StatusOK
}

// Version returns the simulated native API version.
func (s *Simulator) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	return s.cfg.Version
}

// Restart stops any measurement, blocks for RestartDelay and resets the
// device settings.
func (s *Simulator) Restart() int {
	s.mu.Lock()
	if !s.enter() {
		s.mu.Unlock()
		return StatusWrongThread
	}
	s.logf("Restarting device %s", s.cfg.Serial)
	stop, done := s.detachPump()
	s.mu.Unlock()

	waitPump(stop, done)
	time.Sleep(s.cfg.RestartDelay)

	s.mu.Lock()
	s.ip = ""
	s.gps = false
	s.freqs = nil
	s.logf("Device %s restarted", s.cfg.Serial)
	s.mu.Unlock()
	return StatusOK
}

// SetIPAddress stores the device address.
func (s *Simulator) SetIPAddress(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	s.ip = ip
	s.logf("IP address set to %s", ip)
	return StatusOK
}

// SetGPS stores the GPS setting.
func (s *Simulator) SetGPS(enabled bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	s.gps = enabled
	s.logf("GPS enabled: %t", enabled)
	return StatusOK
}

// SetFrequencies replaces the scan list used by the pump.
func (s *Simulator) SetFrequencies(entries []scanner.FrequencyEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	if len(entries) == 0 {
		s.errorf("Frequency list is empty")
		return StatusNoFrequencies
	}
	s.freqs = append([]scanner.FrequencyEntry(nil), entries...)
	for _, f := range entries {
		s.logf("Frequency added: %s", f)
	}
	return StatusOK
}

// SetMeasurementInterval sets the pump period in milliseconds. Non-positive
// values are rejected.
func (s *Simulator) SetMeasurementInterval(ms int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	if ms <= 0 {
		s.errorf("Invalid measurement interval %d ms", ms)
		return StatusBadArgument
	}
	s.interval = time.Duration(ms) * time.Millisecond
	s.logf("Measurement interval set to %d ms", ms)
	return StatusOK
}

// StartMeasurement starts the pump goroutine. It reports one measurement
// per configured frequency every interval.
func (s *Simulator) StartMeasurement() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enter() {
		return StatusWrongThread
	}
	if len(s.freqs) == 0 {
		s.errorf("Cannot start measurement: no frequencies configured")
		return StatusNoFrequencies
	}
	if s.measuring {
		return StatusOK
	}
	s.measuring = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.pump(s.interval, s.stop, s.done)
	s.logf("Measurement started (%d frequencies, every %s)", len(s.freqs), s.interval)
	return StatusOK
}

// StopMeasurement stops the pump and waits for it to finish.
func (s *Simulator) StopMeasurement() int {
	s.mu.Lock()
	if !s.enter() {
		s.mu.Unlock()
		return StatusWrongThread
	}
	if !s.measuring {
		s.mu.Unlock()
		s.errorfUnlocked("Measurement is not running")
		return StatusNotMeasuring
	}
	stop, done := s.detachPump()
	s.mu.Unlock()

	waitPump(stop, done)
	s.mu.Lock()
	s.logf("Measurement stopped")
	s.mu.Unlock()
	return StatusOK
}

// TestMeasurement emits a single measurement for the first configured
// frequency, or an empty one if none is configured.
func (s *Simulator) TestMeasurement() int {
	s.mu.Lock()
	if !s.enter() {
		s.mu.Unlock()
		return StatusWrongThread
	}
	var f scanner.FrequencyEntry
	if len(s.freqs) > 0 {
		f = s.freqs[0]
	}
	s.mu.Unlock()

	s.emit(f)
	return StatusOK
}

func (s *Simulator) errorfUnlocked(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorf(format, args...)
}

// detachPump marks measurement stopped and returns the pump's channels.
// Callers hold s.mu and must call waitPump after releasing it.
func (s *Simulator) detachPump() (chan struct{}, chan struct{}) {
	if !s.measuring {
		return nil, nil
	}
	s.measuring = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	return stop, done
}

func waitPump(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Simulator) pump(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		freqs := s.freqs
		s.mu.Unlock()
		for _, f := range freqs {
			select {
			case <-stop:
				return
			default:
			}
			s.emit(f)
		}
	}
}

// emit encodes one synthetic measurement into the shared blocks and hands
// them to the measurement callback.
func (s *Simulator) emit(f scanner.FrequencyEntry) {
	s.mu.Lock()
	cb := s.onMeas
	ip, gps := s.ip, s.gps
	s.mu.Unlock()
	if cb == nil {
		return
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.seq++
	common := map[string]any{
		"serial": s.cfg.Serial,
		"seq":    s.seq,
		"ip":     ip,
		"gps":    gps,
	}
	if gps {
		common["lat"] = 52.0 + rand.Float64()/100
		common["lon"] = 4.3 + rand.Float64()/100
	}
	info := map[string]any{
		"band":          f.Band,
		"channel":       f.ChannelNumber,
		"frequency_mhz": f.FrequencyMHz,
		"technology":    f.Technology.String(),
		"duplex":        f.DuplexMode.String(),
		"scs":           f.SubcarrierSpacing.String(),
		"rssi_dbm":      -110 + rand.Float64()*60,
		"rsrp_dbm":      -130 + rand.Float64()*60,
		"sinr_db":       -5 + rand.Float64()*30,
	}

	s.commonBuf.Reset()
	s.infoBuf.Reset()
	if err := msgpack.NewEncoder(&s.commonBuf).Encode(common); err != nil {
		s.errorfUnlocked("encoding common data: %v", err)
		return
	}
	if err := msgpack.NewEncoder(&s.infoBuf).Encode(info); err != nil {
		s.errorfUnlocked("encoding measurement info: %v", err)
		return
	}
	cb(s.commonBuf.Bytes(), s.infoBuf.Bytes())
}
