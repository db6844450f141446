package transport

import (
	"sort"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/sortctl/internal/logging"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const DefaultBaudRate = 115200

// Config tunes endpoint handling.
type Config struct {
	// SettleDelay is slept after a successful open. The controller firmware
	// resets when the line opens and ignores input until it has booted.
	SettleDelay time.Duration
	DTR         bool
	// USBOnly limits discovery to USB serial adapters.
	USBOnly bool
}

func DefaultConfig() Config {
	return Config{
		SettleDelay: 5500 * time.Millisecond,
	}
}

// Serial is a single serial endpoint. It is not safe for concurrent use by
// more than one reader and one state observer.
type Serial struct {
	cfg Config

	mu       sync.Mutex
	port     serial.Port
	endpoint string
	state    State

	openPort  func(name string, mode *serial.Mode) (serial.Port, error)
	listPorts func() ([]string, error)
	sleep     func(time.Duration)
}

func NewSerial(cfg Config) *Serial {
	s := &Serial{
		cfg:      cfg,
		openPort: serial.Open,
		sleep:    time.Sleep,
	}
	s.listPorts = s.enumerate
	return s
}

// Discover lists candidate endpoints in stable order.
func (s *Serial) Discover() ([]string, error) {
	names, err := s.listPorts()
	if err != nil {
		return nil, ioError("discover", err)
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if v := strings.TrimSpace(name); v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		logs.Debugf("transport.Serial.Discover no serial device available")
		return nil, ErrNoDeviceAvailable
	}
	logs.Debugf("transport.Serial.Discover candidates=%v", out)
	return out, nil
}

func (s *Serial) enumerate() ([]string, error) {
	if !s.cfg.USBOnly {
		return serial.GetPortsList()
	}
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(details))
	for _, d := range details {
		if d.IsUSB {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Open connects to endpoint, drains stale bytes and waits for the device to settle.
func (s *Serial) Open(endpoint string, baud int) error {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	s.mu.Lock()
	s.closeLocked()
	s.state = StateConnecting
	s.endpoint = endpoint
	s.mu.Unlock()

	logs.Debugf("transport.Serial.Open endpoint=%q baud=%d", endpoint, baud)
	port, err := s.openPort(endpoint, &serial.Mode{BaudRate: baud})
	if err != nil {
		s.setState(StateDisconnected)
		return &OpenError{Endpoint: endpoint, Err: err}
	}
	if err := s.prepare(port); err != nil {
		_ = port.Close()
		s.setState(StateDisconnected)
		return &OpenError{Endpoint: endpoint, Err: err}
	}
	if s.cfg.SettleDelay > 0 {
		s.sleep(s.cfg.SettleDelay)
	}
	// Boot chatter emitted while settling is not a reply to anything.
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		s.setState(StateDisconnected)
		return &OpenError{Endpoint: endpoint, Err: err}
	}

	s.mu.Lock()
	s.port = port
	s.state = StateConnected
	s.mu.Unlock()
	logs.Infof("transport.Serial.Open connected endpoint=%q baud=%d", endpoint, baud)
	return nil
}

func (s *Serial) prepare(port serial.Port) error {
	if s.cfg.DTR {
		if err := port.SetDTR(true); err != nil {
			return err
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		return err
	}
	return port.ResetOutputBuffer()
}

// Close releases the handle. Safe to call repeatedly.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Serial) closeLocked() {
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			logs.Debugf("transport.Serial.Close endpoint=%q err=%v", s.endpoint, err)
		}
		s.port = nil
	}
	s.state = StateDisconnected
}

// ReadByte blocks up to timeout for one byte.
func (s *Serial) ReadByte(timeout time.Duration) (byte, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		s.fail(port)
		return 0, ioError("set read timeout", err)
	}
	var buf [1]byte
	n, err := port.Read(buf[:])
	if err != nil {
		s.fail(port)
		return 0, ioError("read", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

type writeResult struct {
	n   int
	err error
}

// Write sends p in full or fails. The driver has no write deadline, so a write
// still blocked at timeout is abandoned by closing the port.
func (s *Serial) Write(p []byte, timeout time.Duration) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	done := make(chan writeResult, 1)
	go func() {
		n, err := port.Write(p)
		done <- writeResult{n: n, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case res := <-done:
		if res.err != nil {
			s.fail(port)
			return ioError("write", res.err)
		}
		if res.n != len(p) {
			s.fail(port)
			return ioError("write", errShortWrite(res.n, len(p)))
		}
		return nil
	case <-timer:
		s.fail(port)
		return ErrTimeout
	}
}

// DiscardInput drops bytes buffered by the driver.
func (s *Serial) DiscardInput() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		s.fail(port)
		return ioError("reset input", err)
	}
	return nil
}

func (s *Serial) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Serial) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

// fail drops the connection if port is still the active one.
func (s *Serial) fail(port serial.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == port {
		s.closeLocked()
	}
}

func (s *Serial) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
