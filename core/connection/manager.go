// Package connection owns the long-lived streaming connections, one per
// conversation id. It exposes subscribe/unsubscribe, send, and a
// connectivity-state query; closing is idempotent on every path.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State describes the lifecycle of one logical connection.
type State string

const (
	StateAbsent     State = "absent"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	ErrOpenTimeout      = errors.New("connection did not open within the allotted time")
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is the minimal transport surface the manager needs. It is satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialParams carries everything a dialer needs to establish one stream.
type DialParams struct {
	ConversationID string
	ModelHint      string
	AuthToken      string
}

// Dialer establishes the underlying transport. Tests substitute fakes.
type Dialer func(ctx context.Context, params DialParams) (Conn, error)

// CloseInfo records the last observed close of a connection.
type CloseInfo struct {
	At     time.Time
	Code   int
	Reason string
}

// Manager is the registry of live connections keyed by conversation id.
// Only one logical connection is live per id at a time.
type Manager struct {
	mu    sync.Mutex
	dial  Dialer
	links map[string]*link
}

type link struct {
	mu          sync.Mutex
	conn        Conn
	state       State
	subscribers map[int]func(raw []byte)
	nextSubID   int
	lastClose   CloseInfo
	closeOnce   sync.Once
}

func NewManager(dial Dialer) *Manager {
	return &Manager{dial: dial, links: map[string]*link{}}
}

// Subscribe attaches onEvent to the conversation's connection, establishing
// one if none is live. A live connection is reused, never duplicated. The
// returned unsubscribe func is idempotent; removing the last subscriber
// closes the connection.
func (m *Manager) Subscribe(ctx context.Context, params DialParams, onEvent func(raw []byte)) (unsubscribe func(), err error) {
	if onEvent == nil {
		return nil, fmt.Errorf("subscribe requires an event callback")
	}

	m.mu.Lock()
	current := m.links[params.ConversationID]
	if current != nil && !current.isLive() {
		// A dead link may linger for its close info; confirm it is fully
		// shut down before replacing it.
		current.shutdown()
		current = nil
	}

	if current == nil {
		current = &link{state: StateConnecting, subscribers: map[int]func([]byte){}}
		m.links[params.ConversationID] = current
		go m.establish(ctx, params, current)
	}
	m.mu.Unlock()

	current.mu.Lock()
	subID := current.nextSubID
	current.nextSubID++
	current.subscribers[subID] = onEvent
	current.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			current.mu.Lock()
			delete(current.subscribers, subID)
			remaining := len(current.subscribers)
			current.mu.Unlock()

			if remaining == 0 {
				current.shutdown()
			}
		})
	}, nil
}

func (m *Manager) establish(ctx context.Context, params DialParams, l *link) {
	conn, err := m.dial(ctx, params)

	l.mu.Lock()
	if l.state != StateConnecting {
		// Torn down while dialing.
		l.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		l.state = StateClosed
		l.lastClose = CloseInfo{At: time.Now(), Reason: err.Error()}
		l.mu.Unlock()
		return
	}
	l.conn = conn
	l.state = StateOpen
	l.mu.Unlock()

	go l.readLoop(conn)
}

func (l *link) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			info := closeInfoFromError(err)
			l.mu.Lock()
			alreadyDown := l.state == StateClosing || l.state == StateClosed
			l.state = StateClosed
			if l.lastClose.At.IsZero() {
				l.lastClose = info
			}
			l.mu.Unlock()

			if !alreadyDown {
				l.broadcast(synthesizeClosedEvent(info))
			}
			l.shutdown()
			return
		}

		l.broadcast(raw)
	}
}

func (l *link) broadcast(raw []byte) {
	l.mu.Lock()
	callbacks := make([]func([]byte), 0, len(l.subscribers))
	for _, onEvent := range l.subscribers {
		callbacks = append(callbacks, onEvent)
	}
	l.mu.Unlock()

	for _, onEvent := range callbacks {
		onEvent(raw)
	}
}

func (l *link) isLive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateConnecting || l.state == StateOpen
}

// shutdown closes the underlying transport exactly once, no matter how many
// teardown paths race to call it.
func (l *link) shutdown() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		conn := l.conn
		if l.state != StateClosed {
			l.state = StateClosing
		}
		l.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		l.mu.Lock()
		l.state = StateClosed
		if l.lastClose.At.IsZero() {
			l.lastClose = CloseInfo{At: time.Now(), Code: closeCodeNormal, Reason: "closed locally"}
		}
		l.mu.Unlock()
	})
}

// Send marshals payload and writes it to the conversation's connection.
// It reports false, never an error, when the connection is not open so
// callers can treat a failed send as a recoverable condition.
func (m *Manager) Send(conversationID string, payload any) bool {
	m.mu.Lock()
	l := m.links[conversationID]
	m.mu.Unlock()
	if l == nil {
		return false
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen || l.conn == nil {
		return false
	}

	return l.conn.WriteMessage(textMessage, encoded) == nil
}

// State reports the connectivity state for the conversation id.
func (m *Manager) State(conversationID string) State {
	m.mu.Lock()
	l := m.links[conversationID]
	m.mu.Unlock()
	if l == nil {
		return StateAbsent
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastClose returns the most recent close details for the conversation id.
func (m *Manager) LastClose(conversationID string) (CloseInfo, bool) {
	m.mu.Lock()
	l := m.links[conversationID]
	m.mu.Unlock()
	if l == nil {
		return CloseInfo{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastClose.At.IsZero() {
		return CloseInfo{}, false
	}
	return l.lastClose, true
}

// Close tears down the conversation's connection. Closing an already-closed
// connection is a no-op.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	l := m.links[conversationID]
	m.mu.Unlock()
	if l == nil {
		return
	}

	l.shutdown()
}

// statePollInterval is how often AwaitOpen samples connectivity while a
// handshake is in progress.
const statePollInterval = 100 * time.Millisecond

// AwaitOpen polls the connection state until it opens, fails, or the timeout
// elapses.
func (m *Manager) AwaitOpen(ctx context.Context, conversationID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		switch m.State(conversationID) {
		case StateOpen:
			return nil
		case StateClosed, StateClosing, StateAbsent:
			return ErrConnectionClosed
		}

		if time.Now().After(deadline) {
			return ErrOpenTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func synthesizeClosedEvent(info CloseInfo) []byte {
	encoded, err := json.Marshal(struct {
		Type   string `json:"type"`
		At     int64  `json:"at"`
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	}{Type: "ws_closed", At: info.At.UnixMilli(), Code: info.Code, Reason: info.Reason})
	if err != nil {
		return []byte(`{"type":"ws_closed"}`)
	}
	return encoded
}
