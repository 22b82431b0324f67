package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Message is one published event. Seq increases by one per Publish.
type Message struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

// Bus fans events out to live subscribers and keeps the last cap of them for
// clients that connect later. Slow subscribers lose messages instead of
// blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	buf     []Message
	cap     int
	seq     uint64
	subs    map[chan Message]struct{}
	closed  bool
	dropped atomic.Uint64
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		cap:  capacity,
		buf:  make([]Message, 0, capacity),
		subs: make(map[chan Message]struct{}),
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.buf = nil
}

func (b *Bus) Snapshot() []Message {
	return b.Since(0)
}

// Since returns the retained messages with a sequence number above seq.
func (b *Bus) Since(seq uint64) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, len(b.buf))
	for _, m := range b.buf {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	msg := Message{
		Seq:  b.seq,
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}
	if len(b.buf) < b.cap {
		b.buf = append(b.buf, msg)
	} else {
		copy(b.buf, b.buf[1:])
		b.buf[b.cap-1] = msg
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
