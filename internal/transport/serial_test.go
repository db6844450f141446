package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sortctl/internal/testutil/testlog"
	"go.bug.st/serial"
)

// fakePort implements the parts of serial.Port the transport touches.
type fakePort struct {
	serial.Port

	mu          sync.Mutex
	rx          bytes.Buffer
	tx          bytes.Buffer
	resets      int
	dtr         bool
	closed      bool
	readErr     error
	writeErr    error
	writeBlock  chan struct{}
	readTimeout time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.rx.Len() == 0 {
		return 0, nil
	}
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeBlock != nil {
		<-p.writeBlock
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.tx.Write(b)
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.rx.Reset()
	return nil
}

func (p *fakePort) ResetOutputBuffer() error { return nil }

func (p *fakePort) SetDTR(v bool) error {
	p.dtr = v
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.writeBlock != nil {
		select {
		case <-p.writeBlock:
		default:
			close(p.writeBlock)
		}
	}
	return nil
}

func newTestSerial(port *fakePort, cfg Config) (*Serial, *[]time.Duration) {
	s := NewSerial(cfg)
	slept := make([]time.Duration, 0)
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	s.openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		if mode.BaudRate != DefaultBaudRate {
			return nil, errors.New("unexpected baud")
		}
		return port, nil
	}
	return s, &slept
}

func TestSerialDiscover(t *testing.T) {
	testlog.Start(t)

	s := NewSerial(DefaultConfig())
	s.listPorts = func() ([]string, error) { return []string{"/dev/ttyUSB1", " ", "/dev/ttyACM0"}, nil }
	got, err := s.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 2 || got[0] != "/dev/ttyACM0" || got[1] != "/dev/ttyUSB1" {
		t.Fatalf("unexpected candidates: %v", got)
	}

	s.listPorts = func() ([]string, error) { return nil, nil }
	if _, err := s.Discover(); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
	}

	s.listPorts = func() ([]string, error) { return nil, errors.New("sysfs gone") }
	if _, err := s.Discover(); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestSerialOpenSettlesAndDrains(t *testing.T) {
	testlog.Start(t)

	port := &fakePort{}
	port.rx.WriteString("boot noise\n")
	cfg := DefaultConfig()
	cfg.DTR = true
	s, slept := newTestSerial(port, cfg)

	if err := s.Open("/dev/ttyUSB0", 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if s.Endpoint() != "/dev/ttyUSB0" {
		t.Fatalf("unexpected endpoint: %q", s.Endpoint())
	}
	if len(*slept) != 1 || (*slept)[0] != 5500*time.Millisecond {
		t.Fatalf("unexpected settle: %v", *slept)
	}
	if port.rx.Len() != 0 || port.resets < 2 {
		t.Fatalf("expected input drained before and after settle, resets=%d", port.resets)
	}
	if !port.dtr {
		t.Fatalf("expected dtr raised")
	}
}

func TestSerialOpenFailure(t *testing.T) {
	testlog.Start(t)

	s := NewSerial(Config{})
	s.openPort = func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("permission denied")
	}
	err := s.Open("/dev/ttyUSB0", DefaultBaudRate)
	if !errors.Is(err, ErrConnectionOpenFailed) {
		t.Fatalf("expected ErrConnectionOpenFailed, got %v", err)
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.Endpoint != "/dev/ttyUSB0" {
		t.Fatalf("expected OpenError with endpoint, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("unexpected state: %s", s.State())
	}
}

func TestSerialReadWrite(t *testing.T) {
	testlog.Start(t)

	port := &fakePort{}
	s, _ := newTestSerial(port, Config{})
	if _, err := s.ReadByte(time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Open("/dev/ttyUSB0", DefaultBaudRate); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Write([]byte("ping\n"), time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
	if port.tx.String() != "ping\n" {
		t.Fatalf("unexpected tx: %q", port.tx.String())
	}

	if _, err := s.ReadByte(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if port.readTimeout != 50*time.Millisecond {
		t.Fatalf("read timeout not applied: %v", port.readTimeout)
	}
	if s.State() != StateConnected {
		t.Fatalf("read timeout must not drop the connection")
	}

	port.mu.Lock()
	port.rx.WriteString("ok")
	port.mu.Unlock()
	b, err := s.ReadByte(time.Second)
	if err != nil || b != 'o' {
		t.Fatalf("unexpected read: %q %v", b, err)
	}

	port.mu.Lock()
	port.readErr = errors.New("device unplugged")
	port.mu.Unlock()
	if _, err := s.ReadByte(time.Second); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if s.State() != StateDisconnected || !port.closed {
		t.Fatalf("io failure must close the connection")
	}
}

func TestSerialWriteTimeoutClosesPort(t *testing.T) {
	testlog.Start(t)

	port := &fakePort{writeBlock: make(chan struct{})}
	s, _ := newTestSerial(port, Config{})
	if err := s.Open("/dev/ttyUSB0", DefaultBaudRate); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Write([]byte("stuck\n"), 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
}
