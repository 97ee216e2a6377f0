// Package fanout implements the Fanout Registry: a process-wide
// task_id -> TaskChannel map, each TaskChannel holding a broadcast
// sender, a bounded replay buffer of Output frames, and a single-writer
// input sender into the guest.
//
// Modeled on the teacher's tether package: a ring-buffer-backed
// broadcast hub, adapted so only Output frames are retained in the
// replay buffer (Progress/Status/Error/Ping/Pong fan out live only) and
// extended with the input-sender slot the spec's TaskChannel requires.
package fanout

import (
	"fmt"
	"sync"

	"github.com/liaorch/lia/internal/proto"
)

const replayCapacity = 1024

// Registry is the process-wide task_id -> TaskChannel map. The map
// itself is guarded by one read-write mutex; each TaskChannel's internal
// state is guarded independently.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*TaskChannel
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{channels: make(map[string]*TaskChannel)}
}

// GetOrCreate returns the TaskChannel for id, creating it if absent.
func (r *Registry) GetOrCreate(id string) *TaskChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		ch = newTaskChannel()
		r.channels[id] = ch
	}
	return ch
}

// Get returns the TaskChannel for id, or nil if none exists.
func (r *Registry) Get(id string) *TaskChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[id]
}

// Remove tears down and drops the TaskChannel for id. Safe to call when
// no entry exists (idempotent teardown).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if ok {
		ch.closeAll()
	}
}

// Broadcast routes frame to id's channel if present; it is dropped
// silently if the task has no channel (e.g. already torn down).
func (r *Registry) Broadcast(id string, frame proto.WsFrame) {
	if ch := r.Get(id); ch != nil {
		ch.Send(frame)
	}
}

// TaskChannel is the per-task fanout hub: a replay buffer of Output
// frames plus live subscriber fanout, and a slot for the current input
// sender into the guest.
type TaskChannel struct {
	mu   sync.Mutex
	buf  []proto.WsFrame // ring of Output frames only, capacity replayCapacity
	head int
	n    int
	subs []chan proto.WsFrame

	inputMu sync.Mutex
	input   chan<- string
}

func newTaskChannel() *TaskChannel {
	return &TaskChannel{buf: make([]proto.WsFrame, replayCapacity)}
}

// Send broadcasts frame to all live subscribers. If frame is an Output
// frame it is appended to the replay buffer first, so later subscribers
// see it in GetBufferedOutput. Send errors (no subscribers) are not
// reported — that is legal.
func (c *TaskChannel) Send(frame proto.WsFrame) {
	c.mu.Lock()
	if frame.Type == proto.WsOutput {
		c.appendLocked(frame)
	}
	subs := make([]chan proto.WsFrame, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
			// Slow subscriber: drop this frame for it rather than block
			// or fail the broadcast for everyone else.
		}
	}
}

func (c *TaskChannel) appendLocked(frame proto.WsFrame) {
	if c.n >= replayCapacity {
		c.head = (c.head + 1) % replayCapacity
	} else {
		c.n++
	}
	idx := (c.head + c.n - 1) % replayCapacity
	c.buf[idx] = frame
}

// Subscribe attaches a new live subscriber and returns its channel plus
// an unsubscribe function. Callers should call GetBufferedOutput before
// Subscribe to get history-then-live ordering, but the two calls race
// against concurrent Output frames only in the interval between them —
// any frame sent after the snapshot is read is either in the snapshot or
// delivered live, never both for a subscription that reads its live
// channel starting immediately after Subscribe returns.
func (c *TaskChannel) Subscribe() (<-chan proto.WsFrame, func()) {
	ch := make(chan proto.WsFrame, 100)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

// GetBufferedOutput returns a snapshot copy of the Output replay buffer
// in emission order.
func (c *TaskChannel) GetBufferedOutput() []proto.WsFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.WsFrame, c.n)
	for i := 0; i < c.n; i++ {
		idx := (c.head + i) % replayCapacity
		out[i] = c.buf[idx]
	}
	return out
}

// SetInputSender installs the single input sender for this channel,
// replacing any previous one (at most one is registered at a time).
func (c *TaskChannel) SetInputSender(in chan<- string) {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	c.input = in
}

// SendInput forwards text to the registered input sender. Returns an
// error if no sender is registered (e.g. the relay hasn't started yet
// or has already torn down).
func (c *TaskChannel) SendInput(text string) error {
	c.inputMu.Lock()
	in := c.input
	c.inputMu.Unlock()
	if in == nil {
		return fmt.Errorf("fanout: no input sender registered")
	}
	select {
	case in <- text:
		return nil
	default:
		return fmt.Errorf("fanout: input channel full")
	}
}

func (c *TaskChannel) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
