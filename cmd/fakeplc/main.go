// Command fakeplc answers fire commands the way the gate controller does, for
// bench runs without hardware. Pair it with sortctl through a pty pair
// (socat) or run it on stdin/stdout.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/protocol"
	"github.com/danmuck/sortctl/internal/transport"
)

// link is the byte side fakeplc serves on.
type link interface {
	ReadByte(timeout time.Duration) (byte, error)
	Write(p []byte, timeout time.Duration) error
}

type options struct {
	// DropEvery skips the reply to every Nth command.
	DropEvery int
	// GarbleEvery replies to every Nth command with an unreadable frame.
	GarbleEvery int
	// SkewEvery echoes the wrong sequence to every Nth command.
	SkewEvery int
	Delay     time.Duration
	MaxFrame  int
}

type reply struct {
	Count  int    `json:"count"`
	Status string `json:"status"`
	Action string `json:"action"`
}

type plc struct {
	opts  options
	link  link
	seen  int
	fired map[string]int
}

func newPLC(l link, opts options) *plc {
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = protocol.DefaultMaxFrameBytes
	}
	return &plc{opts: opts, link: l, fired: make(map[string]int)}
}

// serve answers commands until the link fails. Read timeouts are idle time.
func (p *plc) serve() error {
	buf := make([]byte, 0, p.opts.MaxFrame)
	for {
		b, err := p.link.ReadByte(time.Second)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return err
		}
		if b != protocol.Delimiter {
			if len(buf) < p.opts.MaxFrame {
				buf = append(buf, b)
			}
			continue
		}
		frame := strings.TrimSpace(string(buf))
		buf = buf[:0]
		if frame == "" {
			continue
		}
		if err := p.handle([]byte(frame)); err != nil {
			return err
		}
	}
}

func (p *plc) handle(frame []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		logs.Warnf("fakeplc.handle unreadable frame=%q err=%v", frame, err)
		return nil
	}
	p.seen++
	n := p.seen

	switch {
	case every(p.opts.DropEvery, n):
		logs.Infof("fakeplc.handle dropping reply n=%d count=%d", n, msg.Count)
		return nil
	case every(p.opts.GarbleEvery, n):
		logs.Infof("fakeplc.handle garbling reply n=%d count=%d", n, msg.Count)
		return p.link.Write([]byte("{\"count\":\x00?\n"), time.Second)
	}

	count := msg.Count
	if every(p.opts.SkewEvery, n) {
		count = (count + 1) % protocol.SequenceModulus
		logs.Infof("fakeplc.handle skewing reply n=%d sent=%d echo=%d", n, msg.Count, count)
	}
	if p.opts.Delay > 0 {
		time.Sleep(p.opts.Delay)
	}
	p.fired[msg.Action]++
	out, err := json.Marshal(reply{Count: count, Status: "fired", Action: msg.Action})
	if err != nil {
		return err
	}
	logs.Debugf("fakeplc.handle fired action=%q count=%d total=%d", msg.Action, count, p.fired[msg.Action])
	return p.link.Write(append(out, protocol.Delimiter), time.Second)
}

func every(n, i int) bool {
	return n > 0 && i%n == 0
}

// stdio adapts a reader and writer to link; timeouts are ignored.
type stdio struct {
	r *bufio.Reader
	w io.Writer
}

func (s stdio) ReadByte(time.Duration) (byte, error) {
	return s.r.ReadByte()
}

func (s stdio) Write(p []byte, _ time.Duration) error {
	_, err := s.w.Write(p)
	return err
}

func main() {
	port := flag.String("port", "", "serial device to serve on (empty: stdin/stdout)")
	baud := flag.Int("baud", transport.DefaultBaudRate, "baud rate")
	drop := flag.Int("drop-every", 0, "drop every Nth reply")
	garble := flag.Int("garble-every", 0, "garble every Nth reply")
	skew := flag.Int("skew-every", 0, "echo a wrong sequence on every Nth reply")
	delay := flag.Duration("delay", 0, "delay before each reply")
	flag.Parse()

	logs.ConfigureRuntime()
	opts := options{DropEvery: *drop, GarbleEvery: *garble, SkewEvery: *skew, Delay: *delay}

	var l link
	if strings.TrimSpace(*port) == "" {
		l = stdio{r: bufio.NewReader(os.Stdin), w: os.Stdout}
	} else {
		s := transport.NewSerial(transport.Config{})
		if err := s.Open(*port, *baud); err != nil {
			fmt.Fprintf(os.Stderr, "fakeplc: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()
		l = s
	}

	logs.Infof("fakeplc serving port=%q", *port)
	if err := newPLC(l, opts).serve(); err != nil && !errors.Is(err, io.EOF) {
		logs.Errf("fakeplc: %v", err)
		os.Exit(1)
	}
}
