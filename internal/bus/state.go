package bus

import (
	"sort"
)

// Get returns the last value written for key.
func (b *Bus) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.state[key]
	return v, ok
}

// GetString returns the value for key when it is a string.
func (b *Bus) GetString(key string) string {
	v, _ := b.Get(key)
	s, _ := v.(string)
	return s
}

// Set writes value under key (last write wins) and then publishes a
// state.changed notification. The write is visible to Get before any
// subscriber sees the notification.
func (b *Bus) Set(key string, value any) {
	b.mu.Lock()
	b.state[key] = value
	b.mu.Unlock()

	b.Publish(Message{
		From:    "bus",
		Kind:    KindNotification,
		Action:  ActionStateChanged,
		Payload: StateChange{Key: key, Value: value},
	})
}

// Delete removes key. Deleting a missing key is a no-op and publishes nothing.
func (b *Bus) Delete(key string) {
	b.mu.Lock()
	_, ok := b.state[key]
	delete(b.state, key)
	b.mu.Unlock()

	if ok {
		b.Publish(Message{
			From:    "bus",
			Kind:    KindNotification,
			Action:  ActionStateChanged,
			Payload: StateChange{Key: key},
		})
	}
}

// Keys returns the sorted list of state keys.
func (b *Bus) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.state))
	for k := range b.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the shared state.
func (b *Bus) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make(map[string]any, len(b.state))
	for k, v := range b.state {
		cp[k] = v
	}
	return cp
}
