package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// Delimiter terminates every record in both directions.
	Delimiter byte = '\n'

	CommandFire = "fire"

	DefaultMaxFrameBytes = 4096
)

// Message is one command record.
type Message struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// FireMessage builds the command that opens the gate identified by action.
func FireMessage(action string, seq int) Message {
	return Message{ID: CommandFire, Action: action, Count: seq}
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Action) == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidMessage)
	}
	if !ValidSequence(m.Count) {
		return fmt.Errorf("%w: count %d out of range", ErrInvalidMessage, m.Count)
	}
	return nil
}

// EncodeFrame returns the JSON record followed by the delimiter.
func EncodeFrame(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(payload, Delimiter), nil
}

// Reply is one acknowledgment record. Fields other than count are opaque.
type Reply struct {
	Count int
	Raw   json.RawMessage
}

type replyEnvelope struct {
	Count *int `json:"count"`
}

// DecodeReply parses one frame without its delimiter.
func DecodeReply(frame []byte) (Reply, error) {
	line := bytes.TrimSpace(frame)
	if len(line) == 0 {
		return Reply{}, fmt.Errorf("%w: empty frame", ErrMalformedReply)
	}
	var env replyEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if env.Count == nil {
		return Reply{}, fmt.Errorf("%w: missing count", ErrMalformedReply)
	}
	if !ValidSequence(*env.Count) {
		return Reply{}, fmt.Errorf("%w: count %d out of range", ErrMalformedReply, *env.Count)
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return Reply{Count: *env.Count, Raw: raw}, nil
}

// Matches reports whether the reply acknowledges seq.
func (r Reply) Matches(seq int) bool {
	return r.Count == seq
}
