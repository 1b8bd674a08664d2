package driftline

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Outcome classifies what happened to a queue entry during a drain pass.
type Outcome string

const (
	// OutcomeDelivered means the remote acknowledged the entry.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeRescheduled means delivery failed and the entry backed off.
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeDeferred means a breaker rejected the entry untried.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeDeadLettered means the entry was archived permanently.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// SyncOutcome is one published delivery result. Local UIs subscribe to
// these to show live sync status without polling the store.
type SyncOutcome struct {
	QueueID    string     `json:"queue_id"`
	RecordType RecordType `json:"record_type"`
	Outcome    Outcome    `json:"outcome"`
	RemoteID   string     `json:"remote_id,omitempty"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

// OutcomeHub fans sync outcomes out to subscribed observers. Slow
// subscribers drop messages rather than stall the sync worker.
type OutcomeHub struct {
	mu          sync.RWMutex
	subscribers map[chan SyncOutcome]struct{}
	closed      bool
	logger      *slog.Logger
}

// NewOutcomeHub creates an empty hub.
func NewOutcomeHub(logger *slog.Logger) *OutcomeHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeHub{
		subscribers: make(map[chan SyncOutcome]struct{}),
		logger:      logger,
	}
}

// Subscribe registers an observer. The returned cancel function must be
// called when the observer goes away.
func (h *OutcomeHub) Subscribe() (<-chan SyncOutcome, func()) {
	ch := make(chan SyncOutcome, 64)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an outcome to all subscribers, dropping it for any
// whose buffer is full.
func (h *OutcomeHub) Publish(outcome SyncOutcome) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subscribers {
		select {
		case ch <- outcome:
		default:
		}
	}
}

// Close drops all subscribers. Publish after Close is a no-op.
func (h *OutcomeHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan SyncOutcome]struct{})
}

var outcomeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are local processes on the device; cross-origin checks do
	// not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler streams sync outcomes to a connected observer as JSON
// messages. The connection closes when the client goes away or the hub
// shuts down.
func (h *OutcomeHub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := outcomeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	// Drain the read side so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for outcome := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(outcome); err != nil {
			h.logger.Debug("observer write failed, dropping connection", "error", err)
			return
		}
	}
}
