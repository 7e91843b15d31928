package bus

import (
	"sync"
	"time"
)

const (
	defaultHistoryLimit     = 1000
	defaultSubscriberBuffer = 256
)

// Option customizes Bus construction.
type Option func(*Bus)

// WithHistoryLimit caps the number of retained messages. Oldest are evicted first.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// WithSubscriberBuffer sets the default mailbox size for subscriptions that pass bufSize <= 0.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// Bus routes messages to per-subscriber mailboxes, holds shared key-value
// state and a capability registry. Components talk to each other only
// through it.
type Bus struct {
	mu           sync.Mutex
	byKind       map[Kind][]chan Message
	byAction     map[string][]chan Message
	allSubs      []chan Message
	queue        []Message
	draining     bool
	history      []Message
	dropped      int
	closed       bool
	state        map[string]any
	caps         map[string]Capability
	historyLimit int
	bufSize      int
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		byKind:       make(map[Kind][]chan Message),
		byAction:     make(map[string][]chan Message),
		state:        make(map[string]any),
		caps:         make(map[string]Capability),
		historyLimit: defaultHistoryLimit,
		bufSize:      defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Bus) newMailbox(bufSize int) chan Message {
	if bufSize <= 0 {
		bufSize = b.bufSize
	}
	ch := make(chan Message, bufSize)
	if b.closed {
		close(ch)
	}
	return ch
}

// Subscribe returns a mailbox receiving every message of the given kind.
func (b *Bus) Subscribe(kind Kind, bufSize int) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newMailbox(bufSize)
	if !b.closed {
		b.byKind[kind] = append(b.byKind[kind], ch)
	}
	return ch
}

// SubscribeAction returns a mailbox receiving every message with the given action.
func (b *Bus) SubscribeAction(action string, bufSize int) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newMailbox(bufSize)
	if !b.closed {
		b.byAction[action] = append(b.byAction[action], ch)
	}
	return ch
}

// SubscribeActions returns one mailbox receiving every message whose action
// is among actions, in publish order across all of them.
func (b *Bus) SubscribeActions(bufSize int, actions ...string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newMailbox(bufSize)
	if !b.closed {
		seen := make(map[string]bool, len(actions))
		for _, action := range actions {
			if seen[action] {
				continue
			}
			seen[action] = true
			b.byAction[action] = append(b.byAction[action], ch)
		}
	}
	return ch
}

// SubscribeAll returns a mailbox receiving every published message.
func (b *Bus) SubscribeAll(bufSize int) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newMailbox(bufSize)
	if !b.closed {
		b.allSubs = append(b.allSubs, ch)
	}
	return ch
}

// Publish appends msg to the queue and history and drains the queue.
// Only one drain runs at a time: a Publish issued while another caller is
// draining just enqueues, and the active drainer delivers it in order.
func (b *Bus) Publish(msg Message) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, msg)
	b.appendHistory(msg)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	b.drain()
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.closed {
			b.queue = nil
			b.draining = false
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.deliver(msg)
		b.mu.Unlock()
	}
}

// deliver fans msg out to kind, action and catch-all mailboxes.
// A full mailbox drops the message for that subscriber only.
// Caller must hold b.mu.
func (b *Bus) deliver(msg Message) {
	send := func(ch chan Message) {
		select {
		case ch <- msg:
		default:
			b.dropped++
		}
	}
	for _, ch := range b.byKind[msg.Kind] {
		send(ch)
	}
	for _, ch := range b.byAction[msg.Action] {
		send(ch)
	}
	for _, ch := range b.allSubs {
		send(ch)
	}
}

// appendHistory records msg, evicting the oldest entries past the cap.
// Caller must hold b.mu.
func (b *Bus) appendHistory(msg Message) {
	b.history = append(b.history, msg)
	if over := len(b.history) - b.historyLimit; over > 0 {
		b.history = append([]Message(nil), b.history[over:]...)
	}
}

// History returns a copy of the retained messages, oldest first.
func (b *Bus) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.history...)
}

// Dropped returns how many deliveries were dropped because a mailbox was full.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every mailbox. Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	// A mailbox may be registered under several actions.
	closed := make(map[chan Message]bool)
	closeOnce := func(ch chan Message) {
		if !closed[ch] {
			closed[ch] = true
			close(ch)
		}
	}
	for _, subs := range b.byKind {
		for _, ch := range subs {
			closeOnce(ch)
		}
	}
	for _, subs := range b.byAction {
		for _, ch := range subs {
			closeOnce(ch)
		}
	}
	for _, ch := range b.allSubs {
		closeOnce(ch)
	}
}
