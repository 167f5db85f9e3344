package logging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrMaxConnectionsReached rejects clients past the connection cap.
var ErrMaxConnectionsReached = errors.New("maximum WebSocket connections reached")

// LogMessage is one streamed log entry.
type LogMessage struct {
	ID        uint64         `json:"id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// WebSocketLogger fans log messages out to connected ops clients and keeps
// a bounded in-memory history for late joiners.
type WebSocketLogger struct {
	mu             sync.RWMutex
	clients        map[*websocket.Conn]time.Time
	broadcast      chan LogMessage
	stopCh         chan struct{}
	stopOnce       sync.Once
	seq            uint64
	maxConnections int

	historyMu  sync.RWMutex
	history    []LogMessage
	historyCap int
}

// NewWebSocketLogger creates a stopped logger; call Start before use.
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:        make(map[*websocket.Conn]time.Time),
		broadcast:      make(chan LogMessage, 100),
		stopCh:         make(chan struct{}),
		historyCap:     500,
		maxConnections: 100,
	}
}

// Start launches the broadcast goroutine.
func (wsl *WebSocketLogger) Start() {
	go func() {
		for {
			select {
			case msg := <-wsl.broadcast:
				wsl.mu.RLock()
				conns := make([]*websocket.Conn, 0, len(wsl.clients))
				for conn := range wsl.clients {
					conns = append(conns, conn)
				}
				wsl.mu.RUnlock()
				for _, conn := range conns {
					if err := conn.WriteJSON(msg); err != nil {
						wsl.RemoveClient(conn)
					}
				}
			case <-wsl.stopCh:
				return
			}
		}
	}()
}

// Stop shuts the broadcaster down and closes all clients.
func (wsl *WebSocketLogger) Stop() {
	wsl.stopOnce.Do(func() { close(wsl.stopCh) })

	wsl.mu.Lock()
	defer wsl.mu.Unlock()
	for conn := range wsl.clients {
		conn.Close()
	}
	wsl.clients = make(map[*websocket.Conn]time.Time)
}

// AddClient registers a connection for the stream.
func (wsl *WebSocketLogger) AddClient(conn *websocket.Conn) error {
	wsl.mu.Lock()
	defer wsl.mu.Unlock()
	if len(wsl.clients) >= wsl.maxConnections {
		return ErrMaxConnectionsReached
	}
	wsl.clients[conn] = time.Now()
	log.WithField("clients", len(wsl.clients)).Debug("Log stream client connected")
	return nil
}

// RemoveClient drops and closes a connection.
func (wsl *WebSocketLogger) RemoveClient(conn *websocket.Conn) {
	wsl.mu.Lock()
	defer wsl.mu.Unlock()
	if _, ok := wsl.clients[conn]; ok {
		delete(wsl.clients, conn)
		conn.Close()
	}
}

// ConnectionCount returns the number of connected clients.
func (wsl *WebSocketLogger) ConnectionCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

// BroadcastLog queues a message for all clients and records it in history.
// A full broadcast channel drops the message rather than blocking logging.
func (wsl *WebSocketLogger) BroadcastLog(level, message string, fields map[string]any) {
	msg := LogMessage{
		ID:        atomic.AddUint64(&wsl.seq, 1),
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	wsl.appendHistory(msg)
	select {
	case wsl.broadcast <- msg:
	default:
	}
}

func (wsl *WebSocketLogger) appendHistory(msg LogMessage) {
	wsl.historyMu.Lock()
	defer wsl.historyMu.Unlock()
	wsl.history = append(wsl.history, msg)
	if len(wsl.history) > wsl.historyCap {
		excess := len(wsl.history) - wsl.historyCap
		wsl.history = append([]LogMessage(nil), wsl.history[excess:]...)
	}
}

// History returns up to limit most recent messages.
func (wsl *WebSocketLogger) History(limit int) []LogMessage {
	wsl.historyMu.RLock()
	defer wsl.historyMu.RUnlock()
	if limit <= 0 || limit > len(wsl.history) {
		limit = len(wsl.history)
	}
	out := make([]LogMessage, limit)
	copy(out, wsl.history[len(wsl.history)-limit:])
	return out
}

// Hook feeds logrus entries into a WebSocketLogger.
type Hook struct {
	WSL *WebSocketLogger
}

func (h *Hook) Levels() []log.Level {
	return []log.Level{log.ErrorLevel, log.WarnLevel, log.InfoLevel}
}

func (h *Hook) Fire(entry *log.Entry) error {
	fields := make(map[string]any, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.WSL.BroadcastLog(entry.Level.String(), entry.Message, fields)
	return nil
}
