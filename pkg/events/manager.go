package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/pkg/models"
)

// catchupLimit is the maximum number of events returned in a catchup
// response. If more events were missed, a catchup_overflow message tells
// the client to do a full REST reload.
const catchupLimit = 200

// CatchupEvent holds the data returned by the catchup query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier queries persisted events for catchup. Implemented by
// EventServiceAdapter.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, runID string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// StateProvider returns the current state snapshot for a run, used for the
// state_sync message on connect and on request_state. Implemented by the
// run lifecycle manager.
type StateProvider interface {
	Snapshot(ctx context.Context, runID string) (*models.StateSnapshot, error)
}

// ConnectionManager manages WebSocket connections for run event streams.
// Each connection is bound to a single run at upgrade time; the manager
// subscribes to the run's broker channel while at least one client is
// attached and fans broadcasts out to all of them.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids, plus the
	// broker subscription feeding that channel's broadcasts.
	channels  map[string]map[string]bool
	pumps     map[string]*Subscription
	channelMu sync.Mutex

	broker         *Broker
	catchupQuerier CatchupQuerier

	// StateProvider for state_sync snapshots (set after construction).
	stateProvider StateProvider
	stateMu       sync.RWMutex

	// Write timeout for WebSocket sends.
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client attached to one run.
type Connection struct {
	ID     string
	RunID  string
	Conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(broker *Broker, catchupQuerier CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		pumps:          make(map[string]*Subscription),
		broker:         broker,
		catchupQuerier: catchupQuerier,
		writeTimeout:   writeTimeout,
	}
}

// SetStateProvider sets the snapshot source for state_sync messages.
// Called once during startup after both the ConnectionManager and the run
// manager are created.
func (m *ConnectionManager) SetStateProvider(p StateProvider) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.stateProvider = p
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade and ownership checks.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, runID string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		RunID:  runID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          EventTypeConnected,
		"connection_id": connID,
		"run_id":        runID,
	})
	m.sendStateSync(ctx, c)

	// Read loop — process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends an event payload to all connections attached to the
// channel. A connection whose write times out is closed; its read loop
// observes the close and unregisters it.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.Lock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.Unlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.Unlock()

	// Snapshot connection pointers under the lock, then release before
	// sending. Writes can block up to writeTimeout per connection and must
	// not stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("Dropping slow WebSocket client",
				"connection_id", conn.ID, "run_id", conn.RunID, "error", err)
			conn.cancel()
			_ = conn.Conn.Close(websocket.StatusPolicyViolation, "write timeout")
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of connections attached to a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.Lock()
	defer m.channelMu.Unlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message to the appropriate
// handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		m.sendJSON(c, map[string]string{"type": EventTypePong})

	case "request_state":
		m.sendStateSync(ctx, c)

	case "catchup":
		if msg.LastEventID == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "last_event_id is required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, *msg.LastEventID)

	default:
		slog.Debug("Ignoring unknown WebSocket message type",
			"connection_id", c.ID, "message_type", msg.Type)
	}
}

// sendStateSync queries the run's current snapshot and sends a state_sync
// message to the connection.
func (m *ConnectionManager) sendStateSync(ctx context.Context, c *Connection) {
	m.stateMu.RLock()
	provider := m.stateProvider
	m.stateMu.RUnlock()
	if provider == nil {
		return
	}

	snapshot, err := provider.Snapshot(ctx, c.RunID)
	if err != nil {
		slog.Warn("State snapshot failed",
			"connection_id", c.ID, "run_id", c.RunID, "error", err)
		return
	}

	m.sendJSON(c, StateSyncPayload{
		Type:      EventTypeStateSync,
		RunID:     c.RunID,
		State:     snapshot,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleCatchup sends events missed since lastEventID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, lastEventID int64) {
	if m.catchupQuerier == nil {
		return
	}

	// Query one past the limit to detect overflow.
	events, err := m.catchupQuerier.GetCatchupEvents(ctx, c.RunID, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "run_id", c.RunID, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	// Send missed events in order, injecting db_event_id for position
	// tracking. The stored payload doesn't contain db_event_id (it's only
	// added to the broadcast copy at publish time), so it is added here
	// from the row id.
	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	// If more events were missed than the catchup limit, tell the client
	// to do a full REST reload instead of paginating catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     EventTypeCatchupOverflow,
			"run_id":   c.RunID,
			"has_more": true,
		})
	}
}

// registerConnection adds a connection to the tracking maps and attaches
// it to its run's channel, starting the broker pump if it is the first
// subscriber.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()

	channel := RunChannel(c.RunID)
	m.channelMu.Lock()
	defer m.channelMu.Unlock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		sub := m.broker.Subscribe(channel)
		m.pumps[channel] = sub
		go m.pump(channel, sub)
	}
	m.channels[channel][c.ID] = true
}

// unregisterConnection removes a connection, stopping the channel's broker
// pump when the last subscriber leaves.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	channel := RunChannel(c.RunID)
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			if sub, ok := m.pumps[channel]; ok {
				delete(m.pumps, channel)
				sub.Close()
			}
		}
	}
	m.channelMu.Unlock()

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// pump forwards broker events for a channel to its WebSocket subscribers.
// Exits when the subscription closes (last subscriber left, broker shut
// down, or the pump itself fell behind).
func (m *ConnectionManager) pump(channel string, sub *Subscription) {
	for event := range sub.C {
		m.Broadcast(channel, event)
	}
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
