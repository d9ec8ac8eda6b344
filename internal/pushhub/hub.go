package pushhub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

const (
	writeWait = 10 * time.Second
	// sendQueueSize bounds one client's outbound queue. A client that
	// cannot drain it is a slow consumer and gets disconnected.
	sendQueueSize = 256
)

// AuthFunc gates new websocket connections. A nil AuthFunc permits
// everything, which is the development-mode default.
type AuthFunc func(r *http.Request) error

// client is one connected UI peer.
type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	filters  map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// allow reports whether this client wants the given event type. An empty
// filter set accepts everything.
func (c *client) allow(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return true
	}
	return c.filters[eventType]
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// queuedEvent is one buffered message with the type the client filters
// match against.
type queuedEvent struct {
	eventType string
	payload   []byte
}

// Hub fans bus events out to websocket clients.
type Hub struct {
	cfg       config.PushHubConfig
	bus       *events.Bus
	log       zerolog.Logger
	authorize AuthFunc

	mu      sync.Mutex
	clients map[string]*client
	buffer  []queuedEvent
	logRing []LogEntry
	running bool

	subKeys  map[events.EventType]uint64
	flushNow chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a push hub wired to the event bus.
func New(cfg config.PushHubConfig, bus *events.Bus, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		bus:     bus,
		log:     log.With().Str("component", "push_hub").Logger(),
		clients: make(map[string]*client),
		subKeys: make(map[events.EventType]uint64),
	}
}

// SetAuth installs the connection gate. Must be called before Start.
func (h *Hub) SetAuth(fn AuthFunc) { h.authorize = fn }

// Start subscribes to the bus and launches the ping and flush loops.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.flushNow = make(chan struct{}, 1)
	h.stopChan = make(chan struct{})
	h.mu.Unlock()

	types := append([]events.EventType{
		events.GatewayStatusChanged,
		events.GatewayControlAction,
		events.CanaryTick,
	}, events.RecoveryTypes()...)
	for _, eventType := range types {
		key := h.bus.Subscribe(eventType, h.onBusEvent)
		h.subKeys[eventType] = key
	}

	h.wg.Add(2)
	go h.flushLoop()
	go h.pingLoop()
	h.log.Info().Msg("Push hub started")
}

// Stop sends the shutdown message to every client and tears everything
// down.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	for eventType, key := range h.subKeys {
		h.bus.UnsubscribeKey(eventType, key)
		delete(h.subKeys, eventType)
	}

	shutdown := newMessage(MsgShutdown, time.Now()).encode()
	for _, c := range h.snapshot() {
		h.writeDirect(c, shutdown)
	}

	close(h.stopChan)
	for _, c := range h.snapshot() {
		h.teardown(c, websocket.StatusGoingAway, "server shutting down")
	}
	h.wg.Wait()
	h.log.Info().Msg("Push hub stopped")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SetClientFilter narrows a client's event stream. The first filter set on
// a client switches it from accept-all to allow-list.
func (h *Hub) SetClientFilter(clientID, eventType string, allow bool) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.filters == nil {
		c.filters = make(map[string]bool)
	}
	c.filters[eventType] = allow
	c.mu.Unlock()
}

// HandleStatus is the /ws/status endpoint handler.
func (h *Hub) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.authorize != nil {
		if err := h.authorize(r); err != nil {
			h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket connection rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	h.Connect(conn)
}

// Connect registers an accepted websocket connection as a new client.
func (h *Hub) Connect(conn *websocket.Conn) string {
	c := &client{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: time.Now(),
		lastSeen:    time.Now(),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "hub not running")
		return ""
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	welcome := newMessage(MsgConnection, time.Now())
	welcome["status"] = "connected"
	welcome["client_id"] = c.id
	welcome["message"] = "connected to status stream"
	c.send <- welcome.encode()

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)

	h.log.Info().Str("client_id", c.id).Msg("Client connected")
	return c.id
}

// Disconnect tears a client down. Idempotent; unknown ids are ignored.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.teardown(c, websocket.StatusNormalClosure, "disconnected")
}

// PublishLog implements the supervisor's log sink: driver log records enter
// the stream as system_log events sourced by their gateway.
func (h *Hub) PublishLog(record domain.LogRecord) {
	h.PublishSystemLog(record.Level, record.Message, record.GatewayID, nil)
}

// PublishSystemLog pushes a log event to clients and the recent-logs ring.
// Events below INFO are dropped.
func (h *Hub) PublishSystemLog(level, message, source string, metadata map[string]interface{}) {
	canonical, keep := canonicalLogLevel(level)
	if !keep {
		return
	}
	now := time.Now()

	h.mu.Lock()
	h.logRing = append(h.logRing, LogEntry{
		Timestamp: now,
		Level:     canonical,
		Message:   message,
		Source:    source,
		Metadata:  metadata,
	})
	if len(h.logRing) > h.cfg.LogRingSize {
		h.logRing = h.logRing[len(h.logRing)-h.cfg.LogRingSize:]
	}
	h.mu.Unlock()

	h.enqueue(MsgSystemLog, normalizeSystemLog(canonical, message, source, metadata, now).encode())
}

// PublishCanaryTick broadcasts a canary heartbeat immediately, bypassing
// the rate limiter.
func (h *Hub) PublishCanaryTick(data *events.CanaryTickData) {
	h.broadcast(normalizeCanaryTick(data, time.Now()).encode(), MsgCanaryTick)
}

// RecentLogs returns the newest entries of the log ring, most recent last.
func (h *Hub) RecentLogs(limit int) []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.logRing) {
		limit = len(h.logRing)
	}
	out := make([]LogEntry, limit)
	copy(out, h.logRing[len(h.logRing)-limit:])
	return out
}

// onBusEvent normalizes a bus event into its UI shape. Canary and
// control-action events bypass the rate limiter.
func (h *Hub) onBusEvent(event *events.Event) {
	typed := event.GetTypedData()
	if typed == nil {
		return
	}

	switch data := typed.(type) {
	case *events.StatusChangedData:
		h.enqueue(MsgStatusChange, normalizeStatusChange(data, event.Timestamp).encode())
	case *events.RecoveryEventData:
		h.enqueue(MsgRecoveryStatus, normalizeRecovery(data, event.Timestamp).encode())
	case *events.ControlActionData:
		h.broadcast(normalizeControlAction(data, event.Timestamp).encode(), MsgControlAction)
	case *events.CanaryTickData:
		h.broadcast(normalizeCanaryTick(data, event.Timestamp).encode(), MsgCanaryTick)
	}
}

// enqueue buffers a message for the next flush, dropping the oldest when
// the buffer is full.
func (h *Hub) enqueue(eventType string, message []byte) {
	if message == nil {
		return
	}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.buffer = append(h.buffer, queuedEvent{eventType: eventType, payload: message})
	if len(h.buffer) > h.cfg.BufferSize {
		h.buffer = h.buffer[len(h.buffer)-h.cfg.BufferSize:]
	}
	full := len(h.buffer) >= h.cfg.RateLimitMaxEvents
	h.mu.Unlock()

	if full {
		select {
		case h.flushNow <- struct{}{}:
		default:
		}
	}
}

// flushLoop drains the buffer on the rate-limit window, or early when the
// flush threshold is reached. Clients never receive more than
// rate_limit_max_events buffered messages per window: each flush is capped
// and flushes are at least a window apart.
func (h *Hub) flushLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.RateLimitWindow)
	defer ticker.Stop()
	var lastFlush time.Time
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.flush()
			lastFlush = time.Now()
		case <-h.flushNow:
			if time.Since(lastFlush) < h.cfg.RateLimitWindow {
				continue
			}
			h.flush()
			lastFlush = time.Now()
			ticker.Reset(h.cfg.RateLimitWindow)
		}
	}
}

// flush delivers at most rate_limit_max_events buffered messages; the
// remainder stays buffered for the next window.
func (h *Hub) flush() {
	h.mu.Lock()
	batch := h.buffer
	if h.cfg.RateLimitMaxEvents > 0 && len(batch) > h.cfg.RateLimitMaxEvents {
		batch = batch[:h.cfg.RateLimitMaxEvents]
		h.buffer = append([]queuedEvent(nil), h.buffer[h.cfg.RateLimitMaxEvents:]...)
	} else {
		h.buffer = nil
	}
	h.mu.Unlock()

	for _, queued := range batch {
		h.broadcast(queued.payload, queued.eventType)
	}
}

// broadcast sends one message to every connected client that wants its
// type. A saturated send queue disconnects the client.
func (h *Hub) broadcast(message []byte, eventType string) {
	if message == nil {
		return
	}
	for _, c := range h.snapshot() {
		if eventType != "" && !c.allow(eventType) {
			continue
		}
		select {
		case c.send <- message:
		default:
			h.log.Warn().Str("client_id", c.id).Msg("Slow consumer, disconnecting")
			go h.teardown(c, websocket.StatusPolicyViolation, "slow consumer")
		}
	}
}

// pingLoop pings every client on the interval and disconnects clients not
// seen within ping_interval + ping_timeout.
func (h *Hub) pingLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			deadline := h.cfg.PingInterval + h.cfg.PingTimeout
			ping := newMessage(MsgPing, time.Now()).encode()
			for _, c := range h.snapshot() {
				if time.Since(c.seen()) > deadline {
					h.log.Info().Str("client_id", c.id).Msg("Client unresponsive, disconnecting")
					h.teardown(c, websocket.StatusNormalClosure, "ping timeout")
					continue
				}
				select {
				case c.send <- ping:
				default:
				}
			}
		}
	}
}

// writeLoop drains one client's send queue. Write errors tear the client
// down; later broadcasts proceed without it.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-h.stopChan:
			return
		case message := <-c.send:
			if !h.writeDirect(c, message) {
				h.teardown(c, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (h *Hub) writeDirect(c *client, message []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, message); err != nil {
		h.log.Debug().Err(err).Str("client_id", c.id).Msg("Client write failed")
		return false
	}
	return true
}

// readLoop consumes inbound frames. Any frame marks the client as seen;
// pings are answered with pongs. Read errors tear the client down.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			h.teardown(c, websocket.StatusNormalClosure, "read closed")
			return
		}
		c.touch()

		var frame struct {
			Type string `json:"type"`
		}
		if jsonErr := decodeFrame(data, &frame); jsonErr == nil && frame.Type == MsgPing {
			pong := Message{"type": MsgPong, "timestamp": time.Now().Format(time.RFC3339Nano)}
			select {
			case c.send <- pong.encode():
			default:
			}
		}
	}
}

// teardown removes a client and closes its connection. Safe to call more
// than once.
func (h *Hub) teardown(c *client, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		_ = c.conn.Close(code, reason)
		h.log.Info().Str("client_id", c.id).Str("reason", reason).Msg("Client disconnected")
	})
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}
