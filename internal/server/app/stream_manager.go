package app

import (
	"encoding/json"
	"sync"

	"taskbridge/internal/logging"
	"taskbridge/internal/server/ports"
)

// sendBufferSize bounds the per-connection outbound queue. A slow reader
// loses events rather than blocking publishers.
const sendBufferSize = 64

// connection tracks one live streaming client and its subscriptions.
type connection struct {
	id     string
	send   chan []byte
	tasks  map[string]struct{}
	closed bool
}

// StreamManager fans StreamEvents out to subscribed connections. It is a
// best-effort live tail with no buffering or replay: an event published while
// nobody is subscribed is dropped.
type StreamManager struct {
	mu          sync.RWMutex
	connections map[string]*connection
	subscribers map[string]map[string]*connection // taskID -> connID -> connection

	logger  logging.Logger
	metrics *Metrics
}

// NewStreamManager creates a stream manager using the shared metrics registry.
func NewStreamManager() *StreamManager {
	return NewStreamManagerWithMetrics(defaultMetrics())
}

// NewStreamManagerWithMetrics creates a stream manager with injected metrics,
// used by tests that need a fresh Prometheus registry.
func NewStreamManagerWithMetrics(metrics *Metrics) *StreamManager {
	return &StreamManager{
		connections: make(map[string]*connection),
		subscribers: make(map[string]map[string]*connection),
		logger:      logging.NewComponentLogger("StreamManager"),
		metrics:     metrics,
	}
}

// AddConnection registers a connection and returns its outbound channel. The
// caller's write pump drains the channel; it is closed by RemoveConnection.
func (m *StreamManager) AddConnection(connID string) <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.connections[connID]; ok {
		// Replacing a live connection closes the previous channel so its
		// write pump terminates.
		m.detachLocked(existing)
	}

	conn := &connection{
		id:    connID,
		send:  make(chan []byte, sendBufferSize),
		tasks: make(map[string]struct{}),
	}
	m.connections[connID] = conn
	m.metrics.activeConnections.Inc()
	m.logger.Info("Connection registered: %s (total: %d)", connID, len(m.connections))
	return conn.send
}

// RemoveConnection drops the connection from the registry and from every
// task's subscriber set, closing its outbound channel. Idempotent.
func (m *StreamManager) RemoveConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	m.detachLocked(conn)
	m.logger.Info("Connection removed: %s (remaining: %d)", connID, len(m.connections))
}

func (m *StreamManager) detachLocked(conn *connection) {
	for taskID := range conn.tasks {
		m.dropSubscriberLocked(taskID, conn.id)
	}
	conn.tasks = make(map[string]struct{})
	if !conn.closed {
		conn.closed = true
		close(conn.send)
		m.metrics.activeConnections.Dec()
	}
	delete(m.connections, conn.id)
}

func (m *StreamManager) dropSubscriberLocked(taskID, connID string) {
	subs, ok := m.subscribers[taskID]
	if !ok {
		return
	}
	delete(subs, connID)
	// A task with no subscribers is pruned from the index, not from the store.
	if len(subs) == 0 {
		delete(m.subscribers, taskID)
	}
}

// Subscribe binds the connection to taskID and acknowledges with a
// "subscribed" frame sent to that connection only.
func (m *StreamManager) Subscribe(connID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		m.logger.Warn("Subscribe from unknown connection: %s", connID)
		return
	}

	conn.tasks[taskID] = struct{}{}
	subs, ok := m.subscribers[taskID]
	if !ok {
		subs = make(map[string]*connection)
		m.subscribers[taskID] = subs
	}
	subs[connID] = conn

	m.logger.Debug("Connection %s subscribed to %s", connID, taskID)
	m.sendControl(conn, "subscribed", taskID)
}

// Unsubscribe removes the binding between the connection and taskID.
func (m *StreamManager) Unsubscribe(connID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	delete(conn.tasks, taskID)
	m.dropSubscriberLocked(taskID, connID)

	m.logger.Debug("Connection %s unsubscribed from %s", connID, taskID)
	m.sendControl(conn, "unsubscribed", taskID)
}

// SubscriberCount returns the number of connections subscribed to taskID.
func (m *StreamManager) SubscriberCount(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[taskID])
}

// Publish serializes event once and sends it to every currently-open
// subscriber of event.TaskID. No subscribers means the event is dropped.
func (m *StreamManager) Publish(event ports.StreamEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to marshal event %s for task %s: %v", event.Type, event.TaskID, err)
		return
	}
	critical := event.Type == ports.EventTaskCompleted

	// Delivery stays under the lock: RemoveConnection closes send channels
	// under the write lock, so a send can never race a close. Sends are
	// non-blocking and the lock is held only for channel pushes.
	m.mu.RLock()
	delivered := 0
	for _, conn := range m.subscribers[event.TaskID] {
		if conn.closed {
			continue
		}
		m.deliver(conn, payload, critical)
		delivered++
	}
	m.mu.RUnlock()

	if delivered == 0 {
		m.logger.Debug("No subscribers for task %s, dropping %s event", event.TaskID, event.Type)
		return
	}
	m.metrics.eventsPublished.WithLabelValues(string(event.Type)).Add(float64(delivered))
}

// deliver sends without blocking. For critical events a full buffer sheds the
// oldest queued frame so the terminal event still lands. Callers must hold
// m.mu (read or write) so the channel cannot be closed mid-send.
func (m *StreamManager) deliver(conn *connection, payload []byte, critical bool) {
	select {
	case conn.send <- payload:
		return
	default:
	}

	if !critical {
		m.logger.Warn("Send buffer full for connection %s, dropping event", conn.id)
		m.metrics.eventsDropped.Inc()
		return
	}

	select {
	case <-conn.send:
	default:
	}
	select {
	case conn.send <- payload:
		m.logger.Warn("Send buffer saturated for connection %s; dropped oldest frame for terminal event", conn.id)
	default:
		m.metrics.eventsDropped.Inc()
	}
}

// NotifyError reports a protocol-level problem (e.g. a malformed client
// message) to a single connection. The frame is a regular StreamEvent
// envelope with the message under data, so clients parse one shape.
func (m *StreamManager) NotifyError(connID, message string) {
	payload, err := json.Marshal(ports.NewStreamEvent(ports.EventError, "", map[string]any{
		"message": message,
	}))
	if err != nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[connID]
	if !ok || conn.closed {
		return
	}
	m.deliver(conn, payload, false)
}

// sendControl pushes a protocol acknowledgment frame to a single connection.
// Callers must hold m.mu.
func (m *StreamManager) sendControl(conn *connection, frameType, taskID string) {
	payload, err := json.Marshal(map[string]string{
		"type":    frameType,
		"task_id": taskID,
	})
	if err != nil {
		return
	}
	m.deliver(conn, payload, false)
}

// Close drops every connection. Used during server shutdown.
func (m *StreamManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.connections {
		m.detachLocked(conn)
	}
}

// EmitTaskStarted publishes a task_started event.
func (m *StreamManager) EmitTaskStarted(taskID, description string) {
	m.Publish(ports.NewStreamEvent(ports.EventTaskStarted, taskID, map[string]any{
		"task": description,
	}))
}

// EmitToolUse publishes a tool_use event.
func (m *StreamManager) EmitToolUse(taskID, tool string, input map[string]any) {
	m.Publish(ports.NewStreamEvent(ports.EventToolUse, taskID, map[string]any{
		"tool":  tool,
		"input": input,
	}))
}

// EmitFileEdit publishes a file_edit event.
func (m *StreamManager) EmitFileEdit(taskID, path, action string) {
	m.Publish(ports.NewStreamEvent(ports.EventFileEdit, taskID, map[string]any{
		"path":   path,
		"action": action,
	}))
}

// EmitCommandRun publishes a command_run event.
func (m *StreamManager) EmitCommandRun(taskID, command string) {
	m.Publish(ports.NewStreamEvent(ports.EventCommandRun, taskID, map[string]any{
		"command": command,
	}))
}

// EmitOutput publishes an output event.
func (m *StreamManager) EmitOutput(taskID, text string) {
	m.Publish(ports.NewStreamEvent(ports.EventOutput, taskID, map[string]any{
		"text": text,
	}))
}

// EmitError publishes an error event.
func (m *StreamManager) EmitError(taskID, message string, recoverable bool) {
	m.Publish(ports.NewStreamEvent(ports.EventError, taskID, map[string]any{
		"message":     message,
		"recoverable": recoverable,
	}))
}

// EmitTaskCompleted publishes a task_completed event.
func (m *StreamManager) EmitTaskCompleted(taskID string, success bool, output, prURL string) {
	data := map[string]any{
		"success": success,
		"output":  output,
	}
	if prURL != "" {
		data["pr_url"] = prURL
	}
	m.Publish(ports.NewStreamEvent(ports.EventTaskCompleted, taskID, data))
}

var _ ports.EventPublisher = (*StreamManager)(nil)
