// Package logchannel is the ordered, append-only broadcast stream of tunnel
// log records fed by the process supervisor.
package logchannel

import (
	"sync"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// Listener receives records in arrival order. On Subscribe it is called
// once with the whole buffer, then once per appended record. Clear calls it
// with an empty slice.
type Listener func(records []tunnel.LogRecord)

type subscription struct {
	id       uint64
	listener Listener
}

// Channel buffers every record until Clear and fans them out to listeners.
type Channel struct {
	// deliverMu serializes deliveries so every listener sees the same order.
	deliverMu sync.Mutex

	mu      sync.RWMutex
	records []tunnel.LogRecord
	subs    []subscription
	nextID  uint64
	// epoch counts Clear calls.
	epoch uint64
}

// New creates an empty channel.
func New() *Channel {
	return &Channel{}
}

// Subscribe replays the current buffer to listener and registers it for
// every later record. The returned function unsubscribes; it is safe to call
// more than once and from inside a listener.
func (c *Channel) Subscribe(listener Listener) (unsubscribe func()) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	replay := make([]tunnel.LogRecord, len(c.records))
	copy(replay, c.records)
	c.subs = append(c.subs, subscription{id: id, listener: listener})
	c.mu.Unlock()

	listener(replay)

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(id) })
	}
}

func (c *Channel) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

// Append adds a record and delivers it to every current subscriber.
func (c *Channel) Append(rec tunnel.LogRecord) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.records = append(c.records, rec)
	subs := c.listenersLocked()
	c.mu.Unlock()

	batch := []tunnel.LogRecord{rec}
	for _, s := range subs {
		if c.subscribed(s.id) {
			s.listener(batch)
		}
	}
}

// Snapshot returns a copy of the buffer in arrival order.
func (c *Channel) Snapshot() []tunnel.LogRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]tunnel.LogRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of buffered records.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Clear truncates the buffer and notifies every listener with an empty slice.
func (c *Channel) Clear() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.records = nil
	c.epoch++
	subs := c.listenersLocked()
	c.mu.Unlock()

	for _, s := range subs {
		if c.subscribed(s.id) {
			s.listener([]tunnel.LogRecord{})
		}
	}
}

func (c *Channel) listenersLocked() []subscription {
	out := make([]subscription, len(c.subs))
	copy(out, c.subs)
	return out
}

// subscribed guards against delivering to a listener removed by an earlier
// listener of the same delivery.
func (c *Channel) subscribed(id uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.subs {
		if s.id == id {
			return true
		}
	}
	return false
}

// Cursor marks a position in the buffer. It survives Clear: a cursor taken
// before a Clear selects the whole buffer afterwards.
type Cursor struct {
	epoch uint64
	n     int
}

// Mark returns a cursor positioned after the last buffered record.
func (c *Channel) Mark() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Cursor{epoch: c.epoch, n: len(c.records)}
}

// Since returns the records appended after cur was taken.
func (c *Channel) Since(cur Cursor) []tunnel.LogRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := cur.n
	if cur.epoch != c.epoch || n > len(c.records) {
		n = 0
	}
	out := make([]tunnel.LogRecord, len(c.records)-n)
	copy(out, c.records[n:])
	return out
}
