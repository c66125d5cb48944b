// Package notify delivers user-facing notifications to the log, the desktop
// and live API subscribers.
package notify

import (
	"sync"
	"time"
)

// Level represents the level of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is a message for the user
type Notification struct {
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is what the tunnel core uses to talk to the user. Calls never block.
type Notifier interface {
	Info(title, message string)
	Success(title, message string)
	Error(title, message string)
}

// Handler receives every notification sent through a Manager
type Handler interface {
	SendNotification(n *Notification)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(n *Notification)

// SendNotification implements Handler
func (f HandlerFunc) SendNotification(n *Notification) { f(n) }

// Manager fans notifications out to its handlers
type Manager struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewManager creates a new notification manager
func NewManager(handlers ...Handler) *Manager {
	return &Manager{handlers: handlers}
}

// AddHandler adds a notification handler
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Send delivers n to all handlers, each on its own goroutine
func (m *Manager) Send(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	for _, h := range handlers {
		go h.SendNotification(n)
	}
}

// Info implements Notifier
func (m *Manager) Info(title, message string) {
	m.Send(&Notification{Level: LevelInfo, Title: title, Message: message})
}

// Success implements Notifier
func (m *Manager) Success(title, message string) {
	m.Send(&Notification{Level: LevelSuccess, Title: title, Message: message})
}

// Error implements Notifier
func (m *Manager) Error(title, message string) {
	m.Send(&Notification{Level: LevelError, Title: title, Message: message})
}

// Recorder keeps every notification in memory. It is both a Notifier and a
// Handler and is used by tests and the API's recent-notifications view.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// SendNotification implements Handler
func (r *Recorder) SendNotification(n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *n)
}

func (r *Recorder) record(level Level, title, message string) {
	r.SendNotification(&Notification{Level: level, Title: title, Message: message, Timestamp: time.Now()})
}

// Info implements Notifier
func (r *Recorder) Info(title, message string) { r.record(LevelInfo, title, message) }

// Success implements Notifier
func (r *Recorder) Success(title, message string) { r.record(LevelSuccess, title, message) }

// Error implements Notifier
func (r *Recorder) Error(title, message string) { r.record(LevelError, title, message) }

// All returns a copy of the recorded notifications
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Count returns how many notifications of level were recorded
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Level == level {
			n++
		}
	}
	return n
}
