package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/observability"
	"github.com/danmuck/sortctl/internal/protocol"
	"github.com/danmuck/sortctl/internal/transport"
)

// Transport is the byte-stream endpoint the engine drives.
type Transport interface {
	Discover() ([]string, error)
	Open(endpoint string, baud int) error
	Close() error
	ReadByte(timeout time.Duration) (byte, error)
	Write(p []byte, timeout time.Duration) error
	DiscardInput() error
}

// Selector resolves more than one discovered endpoint to a single choice.
type Selector interface {
	SelectEndpoint(ctx context.Context, candidates []string) (string, error)
}

type SelectorFunc func(ctx context.Context, candidates []string) (string, error)

func (f SelectorFunc) SelectEndpoint(ctx context.Context, candidates []string) (string, error) {
	return f(ctx, candidates)
}

// Stats are cumulative engine counters.
type Stats struct {
	Attempts   uint64
	Reconnects uint64
	Resyncs    uint64
	Mismatches uint64
	Delivered  uint64
	Failed     uint64
}

// Engine delivers commands one at a time. All methods are safe for concurrent
// use; sends are serialised.
type Engine struct {
	cfg      Config
	tr       Transport
	selector Selector

	// mu serialises sends and owns the connection.
	mu        sync.Mutex
	seq       protocol.Sequence
	endpoint  string
	connected bool
	reopen    bool
	closed    bool
	cmdSeq    uint64
	buf       []byte
	rng       *rand.Rand

	// viewMu guards the copies readers see while a send is in flight.
	viewMu       sync.Mutex
	stats        Stats
	viewSeq      int
	viewEndpoint string

	outbox *CommandOutbox
	now    func() time.Time
}

func NewEngine(tr Transport, cfg Config) *Engine {
	cfg = cfg.WithDefaults()
	endpoint := strings.TrimSpace(cfg.Endpoint)
	return &Engine{
		cfg:          cfg,
		tr:           tr,
		endpoint:     endpoint,
		viewEndpoint: endpoint,
		buf:          make([]byte, 0, cfg.MaxFrameBytes),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		outbox:       NewCommandOutbox(),
		now:          time.Now,
	}
}

func (e *Engine) count(update func(*Stats)) {
	e.viewMu.Lock()
	update(&e.stats)
	e.viewMu.Unlock()
}

func (e *Engine) nextSequence() int {
	v := e.seq.Next()
	e.viewMu.Lock()
	e.viewSeq = v
	e.viewMu.Unlock()
	return v
}

func (e *Engine) setEndpoint(endpoint string) {
	e.endpoint = endpoint
	e.viewMu.Lock()
	e.viewEndpoint = endpoint
	e.viewMu.Unlock()
}

// SetSelector installs the resolver used when discovery finds several devices.
func (e *Engine) SetSelector(sel Selector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selector = sel
}

// SendAndConfirm writes one fire command for action and waits for its echo.
// ctx only interrupts endpoint selection and pauses between attempts; an
// attempt in progress always runs to its timeouts.
func (e *Engine) SendAndConfirm(ctx context.Context, action string) (protocol.Reply, error) {
	if err := protocol.FireMessage(action, 0).Validate(); err != nil {
		return protocol.Reply{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return protocol.Reply{}, ErrEngineClosed
	}

	start := e.now()
	e.cmdSeq++
	commandID := fmt.Sprintf("cmd.%s.%d", action, e.cmdSeq)
	e.outbox.Upsert(PendingCommand{CommandID: commandID, Action: action, QueuedAt: start})
	defer e.outbox.Remove(commandID)

	var lastErr error
	// seq is taken at the first write and reused by every resend of this
	// command, so Sequence() counts commands, not attempts.
	seq := -1
	attempt := 0
	for attempt < e.cfg.Retries {
		attempt++
		if attempt > 1 {
			if err := e.pause(ctx, attempt-1); err != nil {
				return protocol.Reply{}, err
			}
		}

		if err := e.ensureConnected(ctx); err != nil {
			if isFatalConnectError(err) {
				logs.Errf("session.Engine.SendAndConfirm endpoint unresolved action=%q err=%v", action, err)
				return protocol.Reply{}, err
			}
			lastErr = err
			e.outbox.MarkError(commandID, err)
			logs.Warnf("session.Engine.SendAndConfirm open attempt=%d endpoint=%q err=%v", attempt, e.endpoint, err)
			observability.RecordDeliveryAttempt(observability.AttemptTransport)
			continue
		}

		if seq < 0 {
			seq = e.nextSequence()
		}
		e.count(func(s *Stats) { s.Attempts++ })
		e.outbox.MarkAttempt(commandID, seq, e.now())
		reply, err := e.exchange(action, seq)
		if err == nil {
			e.count(func(s *Stats) { s.Delivered++ })
			observability.RecordDeliveryAttempt(observability.AttemptOK)
			observability.RecordDelivery(true, e.now().Sub(start))
			logs.Debugf("session.Engine.SendAndConfirm confirmed action=%q seq=%d attempt=%d", action, seq, attempt)
			return reply, nil
		}

		lastErr = err
		e.outbox.MarkError(commandID, err)
		switch {
		case errors.Is(err, protocol.ErrSequenceMismatch):
			e.count(func(s *Stats) { s.Mismatches++ })
			observability.RecordDeliveryAttempt(observability.AttemptMismatch)
			logs.Warnf("session.Engine.SendAndConfirm mismatch attempt=%d err=%v", attempt, err)
		case errors.Is(err, protocol.ErrMalformedReply):
			observability.RecordDeliveryAttempt(observability.AttemptMalformed)
			logs.Warnf("session.Engine.SendAndConfirm unreadable reply attempt=%d err=%v", attempt, err)
		default:
			observability.RecordDeliveryAttempt(observability.AttemptTransport)
			logs.Warnf("session.Engine.SendAndConfirm transport fault attempt=%d endpoint=%q err=%v", attempt, e.endpoint, err)
			e.disconnect()
		}
	}

	e.count(func(s *Stats) { s.Failed++ })
	observability.RecordDelivery(false, e.now().Sub(start))
	logs.Errf("session.Engine.SendAndConfirm giving up action=%q attempts=%d err=%v", action, attempt, lastErr)
	return protocol.Reply{}, &DeliveryError{Action: action, Attempts: attempt, Err: lastErr}
}

// exchange runs one request window: drop stale input, write, await the echo.
func (e *Engine) exchange(action string, seq int) (protocol.Reply, error) {
	frame, err := protocol.EncodeFrame(protocol.FireMessage(action, seq))
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := e.tr.DiscardInput(); err != nil {
		return protocol.Reply{}, err
	}
	if err := e.tr.Write(frame, e.cfg.WriteTimeout); err != nil {
		return protocol.Reply{}, err
	}
	return e.awaitReply(seq)
}

func (e *Engine) awaitReply(seq int) (protocol.Reply, error) {
	deadline := e.now().Add(e.cfg.ReadTimeout)
	resyncs := 0
	for {
		reply, err := e.readReply(deadline)
		if err == nil {
			if !reply.Matches(seq) {
				return protocol.Reply{}, fmt.Errorf("%w: sent=%d received=%d", protocol.ErrSequenceMismatch, seq, reply.Count)
			}
			return reply, nil
		}
		if !errors.Is(err, protocol.ErrMalformedReply) {
			return protocol.Reply{}, err
		}
		resyncs++
		e.count(func(s *Stats) { s.Resyncs++ })
		observability.RecordResync()
		if resyncs >= e.cfg.Retries || !e.now().Before(deadline) {
			return protocol.Reply{}, err
		}
		logs.Debugf("session.Engine.awaitReply resync=%d seq=%d err=%v", resyncs, seq, err)
	}
}

// readReply accumulates one frame up to the delimiter. The buffer is bounded
// and a partial frame left at the deadline is dropped.
func (e *Engine) readReply(deadline time.Time) (protocol.Reply, error) {
	e.buf = e.buf[:0]
	for {
		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return protocol.Reply{}, e.expired()
		}
		b, err := e.tr.ReadByte(remaining)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return protocol.Reply{}, e.expired()
			}
			e.buf = e.buf[:0]
			return protocol.Reply{}, err
		}
		if b == protocol.Delimiter {
			reply, err := protocol.DecodeReply(e.buf)
			e.buf = e.buf[:0]
			return reply, err
		}
		if len(e.buf) >= e.cfg.MaxFrameBytes {
			e.buf = e.buf[:0]
			return protocol.Reply{}, fmt.Errorf("%w: frame exceeds %d bytes", protocol.ErrMalformedReply, e.cfg.MaxFrameBytes)
		}
		e.buf = append(e.buf, b)
	}
}

func (e *Engine) expired() error {
	if n := len(e.buf); n > 0 {
		e.buf = e.buf[:0]
		return fmt.Errorf("%w: partial frame of %d bytes dropped at read timeout", protocol.ErrMalformedReply, n)
	}
	return fmt.Errorf("%w: no reply within %s", transport.ErrTimeout, e.cfg.ReadTimeout)
}

func (e *Engine) ensureConnected(ctx context.Context) error {
	if e.connected {
		return nil
	}
	endpoint, err := e.resolveEndpoint(ctx)
	if err != nil {
		return err
	}
	if e.reopen {
		e.count(func(s *Stats) { s.Reconnects++ })
		observability.RecordReconnect()
		logs.Infof("session.Engine.ensureConnected reconnecting endpoint=%q", endpoint)
	}
	if err := e.tr.Open(endpoint, e.cfg.BaudRate); err != nil {
		e.reopen = true
		return err
	}
	e.connected = true
	e.reopen = false
	return nil
}

func (e *Engine) resolveEndpoint(ctx context.Context) (string, error) {
	if e.endpoint != "" {
		return e.endpoint, nil
	}
	candidates, err := e.tr.Discover()
	if err != nil {
		return "", err
	}
	switch len(candidates) {
	case 0:
		return "", transport.ErrNoDeviceAvailable
	case 1:
		e.setEndpoint(candidates[0])
		logs.Infof("session.Engine.resolveEndpoint auto-selected endpoint=%q", e.endpoint)
		return e.endpoint, nil
	}

	if e.selector == nil {
		return "", &AmbiguousDeviceError{Candidates: slices.Clone(candidates)}
	}
	logs.Warnf("session.Engine.resolveEndpoint awaiting choice candidates=%v", candidates)
	choice, err := e.selector.SelectEndpoint(ctx, slices.Clone(candidates))
	if err != nil {
		return "", &AmbiguousDeviceError{Candidates: slices.Clone(candidates), Err: err}
	}
	choice = strings.TrimSpace(choice)
	if !slices.Contains(candidates, choice) {
		return "", &AmbiguousDeviceError{
			Candidates: slices.Clone(candidates),
			Err:        fmt.Errorf("%w: %q", ErrInvalidChoice, choice),
		}
	}
	e.setEndpoint(choice)
	logs.Infof("session.Engine.resolveEndpoint selected endpoint=%q", e.endpoint)
	return e.endpoint, nil
}

func (e *Engine) disconnect() {
	if err := e.tr.Close(); err != nil {
		logs.Debugf("session.Engine.disconnect close err=%v", err)
	}
	e.connected = false
	e.reopen = true
}

func (e *Engine) pause(ctx context.Context, failures int) error {
	delay := NextBackoffDelay(e.cfg.Backoff, failures, e.rng)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isFatalConnectError(err error) bool {
	return errors.Is(err, transport.ErrNoDeviceAvailable) ||
		errors.Is(err, ErrAmbiguousDevice) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close releases the transport. Further sends fail with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.connected = false
	return e.tr.Close()
}

// Sequence is the value carried by the most recent command.
func (e *Engine) Sequence() int {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.viewSeq
}

func (e *Engine) Stats() Stats {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.stats
}

// Endpoint is the resolved device, empty until the first connection.
func (e *Engine) Endpoint() string {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.viewEndpoint
}

// Pending lists commands still being retried. It does not wait for the send lock.
func (e *Engine) Pending() []PendingCommand {
	return e.outbox.List()
}
