package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sortctl/internal/protocol"
	"github.com/danmuck/sortctl/internal/protocol/session"
	"github.com/danmuck/sortctl/internal/testutil/testlog"
	"github.com/danmuck/sortctl/internal/transport"
)

func TestServeEchoesSequence(t *testing.T) {
	testlog.Start(t)

	in := `{"id":"fire","action":"1","count":1}` + "\n" +
		"\n" +
		`not json` + "\n" +
		`{"id":"fire","action":"2","count":2}` + "\n"
	var out bytes.Buffer
	p := newPLC(stdio{r: bufio.NewReader(strings.NewReader(in)), w: &out}, options{})
	_ = p.serve()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 replies, got %q", out.String())
	}
	for i, line := range lines {
		r, err := protocol.DecodeReply([]byte(line))
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if !r.Matches(i + 1) {
			t.Fatalf("reply %d carries count %d", i, r.Count)
		}
	}
	if p.fired["1"] != 1 || p.fired["2"] != 1 {
		t.Fatalf("unexpected fire tally: %v", p.fired)
	}
}

func TestFaultInjection(t *testing.T) {
	testlog.Start(t)

	var in strings.Builder
	for i := 1; i <= 6; i++ {
		in.WriteString(`{"id":"fire","action":"1","count":`)
		in.WriteString(string(rune('0' + i)))
		in.WriteString("}\n")
	}
	var out bytes.Buffer
	p := newPLC(stdio{r: bufio.NewReader(strings.NewReader(in.String())), w: &out}, options{DropEvery: 2, SkewEvery: 3})
	_ = p.serve()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// 2, 4, 6 dropped; 3 skewed
	if len(lines) != 3 {
		t.Fatalf("expected 3 replies, got %q", out.String())
	}
	r, err := protocol.DecodeReply([]byte(lines[1]))
	if err != nil || r.Count != 4 {
		t.Fatalf("expected skewed echo 4, got %+v err=%v", r, err)
	}
}

// pipeLink connects an engine-side transport to the simulator in memory.
type pipeLink struct {
	toPLC   chan byte
	fromPLC chan byte
}

func (l *pipeLink) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-l.toPLC:
		return b, nil
	case <-time.After(timeout):
		return 0, transport.ErrTimeout
	}
}

func (l *pipeLink) Write(p []byte, _ time.Duration) error {
	for _, b := range p {
		l.fromPLC <- b
	}
	return nil
}

type engineSide struct {
	link *pipeLink
}

func (e engineSide) Discover() ([]string, error) { return []string{"pipe"}, nil }
func (e engineSide) Open(string, int) error      { return nil }
func (e engineSide) Close() error                { return nil }

func (e engineSide) DiscardInput() error {
	for {
		select {
		case <-e.link.fromPLC:
		default:
			return nil
		}
	}
}

func (e engineSide) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-e.link.fromPLC:
		return b, nil
	case <-time.After(timeout):
		return 0, transport.ErrTimeout
	}
}

func (e engineSide) Write(p []byte, _ time.Duration) error {
	for _, b := range p {
		e.link.toPLC <- b
	}
	return nil
}

func TestEngineAgainstSimulatorRecoversFromGarbledReply(t *testing.T) {
	testlog.Start(t)

	pipe := &pipeLink{toPLC: make(chan byte, 4096), fromPLC: make(chan byte, 4096)}
	p := newPLC(pipe, options{GarbleEvery: 2})
	go func() { _ = p.serve() }()

	cfg := session.DefaultConfig()
	cfg.ReadTimeout = 200 * time.Millisecond
	engine := session.NewEngine(engineSide{link: pipe}, cfg)

	for i := 1; i <= 4; i++ {
		reply, err := engine.SendAndConfirm(context.Background(), "1")
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !reply.Matches(engine.Sequence()) {
			t.Fatalf("send %d: reply %d does not match sequence %d", i, reply.Count, engine.Sequence())
		}
	}
	if engine.Sequence() != 4 {
		t.Fatalf("retries must not consume sequence values, got %d", engine.Sequence())
	}
	if st := engine.Stats(); st.Delivered != 4 || st.Attempts <= 4 {
		t.Fatalf("expected retries after garbled replies, got %+v", st)
	}
}
