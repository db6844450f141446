package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCommand tracks one command awaiting its echo.
type PendingCommand struct {
	CommandID     string
	Action        string
	Sequence      int
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// CommandOutbox stores in-flight commands by command id. Readers on other
// goroutines use it to observe a send that is still retrying.
type CommandOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingCommand
}

func NewCommandOutbox() *CommandOutbox {
	return &CommandOutbox{
		items: make(map[string]PendingCommand),
	}
}

func (o *CommandOutbox) Upsert(item PendingCommand) {
	key := strings.TrimSpace(item.CommandID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// MarkAttempt records a new attempt carrying seq.
func (o *CommandOutbox) MarkAttempt(commandID string, seq int, at time.Time) (PendingCommand, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingCommand{}, false
	}
	item.Attempts++
	item.Sequence = seq
	item.LastAttemptAt = at
	o.items[key] = item
	return item, true
}

func (o *CommandOutbox) MarkError(commandID string, lastErr error) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok || lastErr == nil {
		return
	}
	item.LastError = lastErr.Error()
	o.items[key] = item
}

func (o *CommandOutbox) Remove(commandID string) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *CommandOutbox) Get(commandID string) (PendingCommand, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *CommandOutbox) List() []PendingCommand {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingCommand, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CommandID < out[j].CommandID
	})
	return out
}
