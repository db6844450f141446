package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeFrameFire(t *testing.T) {
	frame, err := EncodeFrame(FireMessage("3", 17))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame[len(frame)-1] != Delimiter {
		t.Fatalf("frame must end with delimiter: %q", frame)
	}
	for _, b := range frame[:len(frame)-1] {
		if b == Delimiter || b == 0 {
			t.Fatalf("payload must not contain framing bytes: %q", frame)
		}
	}

	var got map[string]any
	if err := json.Unmarshal(frame[:len(frame)-1], &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got["id"] != "fire" || got["action"] != "3" || got["count"] != float64(17) {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestEncodeFrameRejectsInvalid(t *testing.T) {
	cases := []Message{
		{ID: "", Action: "1", Count: 1},
		{ID: "fire", Action: " ", Count: 1},
		{ID: "fire", Action: "1", Count: 128},
		{ID: "fire", Action: "1", Count: -1},
	}
	for _, m := range cases {
		if _, err := EncodeFrame(m); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage for %+v, got %v", m, err)
		}
	}
}

func TestDecodeReply(t *testing.T) {
	reply, err := DecodeReply([]byte(`{"id":"fire","action":"2","count":5,"status":"ok"}` + "\r"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Count != 5 || !reply.Matches(5) || reply.Matches(4) {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if string(reply.Raw) != `{"id":"fire","action":"2","count":5,"status":"ok"}` {
		t.Fatalf("raw payload not preserved: %s", reply.Raw)
	}
}

func TestDecodeReplyMalformed(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"{not json",
		`{"id":"fire"}`,
		`{"count":null}`,
		`{"count":200}`,
		`{"count":"7"}`,
		"\xff\xfe",
	}
	for _, raw := range cases {
		if _, err := DecodeReply([]byte(raw)); !errors.Is(err, ErrMalformedReply) {
			t.Fatalf("expected ErrMalformedReply for %q, got %v", raw, err)
		}
	}
}

func TestSequenceWraps(t *testing.T) {
	var seq Sequence
	if seq.Current() != 0 {
		t.Fatalf("unexpected initial value: %d", seq.Current())
	}
	for k := 1; k <= 3*SequenceModulus+5; k++ {
		v := seq.Next()
		if v != k%SequenceModulus || seq.Current() != v {
			t.Fatalf("send %d: got %d want %d", k, v, k%SequenceModulus)
		}
		if !ValidSequence(v) {
			t.Fatalf("send %d: value %d out of range", k, v)
		}
	}

	var fresh Sequence
	for k := 1; k < SequenceModulus; k++ {
		fresh.Next()
	}
	if v := fresh.Next(); v != 0 {
		t.Fatalf("128th send must carry 0, got %d", v)
	}
}
