package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/service"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/internal/infrastructure/telemetry"
	"gamechat/pkg/logger"
)

const (
	inboundBufferSize = 1024
	authorizeTimeout  = 5 * time.Second
)

// Authorizer decides whether a user may join a chat room.
type Authorizer interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// ownership records why this process holds a bus subscription: refs counts
// the local connections that need the channel.
type ownership struct {
	sub  service.Subscription
	refs int
}

type busEvent struct {
	channel string
	event   *entity.Event
}

// Manager is the per-process connection gateway. It binds connections to
// rooms and user inboxes, mirrors them onto fanout bus subscriptions, and
// dispatches bus events to local connections from a single loop.
type Manager struct {
	instanceID string
	bus        service.EventBus
	authorizer Authorizer
	limiter    *ratelimit.RateLimiter
	metrics    *telemetry.Metrics

	mu            sync.RWMutex
	clients       map[string]*Client
	users         map[string]map[*Client]struct{}
	rooms         map[string]map[*Client]struct{}
	subscriptions map[string]*ownership

	inbound chan busEvent
	done    chan struct{}
	stop    sync.Once

	onRoomIdle func(chatID string)
}

func NewManager(
	instanceID string,
	bus service.EventBus,
	authorizer Authorizer,
	limiter *ratelimit.RateLimiter,
	metrics *telemetry.Metrics,
) *Manager {
	return &Manager{
		instanceID:    instanceID,
		bus:           bus,
		authorizer:    authorizer,
		limiter:       limiter,
		metrics:       metrics,
		clients:       make(map[string]*Client),
		users:         make(map[string]map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		subscriptions: make(map[string]*ownership),
		inbound:       make(chan busEvent, inboundBufferSize),
		done:          make(chan struct{}),
	}
}

// OnRoomIdle registers a hook run when the last local connection leaves a room.
func (m *Manager) OnRoomIdle(fn func(chatID string)) {
	m.onRoomIdle = fn
}

func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Start runs the dispatch loop until ctx is cancelled, then closes every
// connection and releases every bus subscription.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case in := <-m.inbound:
				m.dispatch(in.channel, in.event)
			case <-ctx.Done():
				m.shutdown()
				return
			}
		}
	}()
}

func (m *Manager) shutdown() {
	m.stop.Do(func() { close(m.done) })

	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	for channel, own := range m.subscriptions {
		if err := own.sub.Unsubscribe(); err != nil {
			logger.Warn("Gateway: unsubscribe %s failed: %v", channel, err)
		}
	}
	m.clients = make(map[string]*Client)
	m.users = make(map[string]map[*Client]struct{})
	m.rooms = make(map[string]map[*Client]struct{})
	m.subscriptions = make(map[string]*ownership)
	m.mu.Unlock()

	for _, c := range clients {
		c.close()
		m.metrics.ConnectionClosed(context.Background())
	}
	logger.Info("Gateway: instance %s closed %d connections", m.instanceID, len(clients))
}

// onBusEvent runs on the bus's delivery goroutine and hands the event to the
// dispatch loop.
func (m *Manager) onBusEvent(channel string, event *entity.Event) {
	select {
	case m.inbound <- busEvent{channel: channel, event: event}:
	case <-m.done:
	}
}

// retain must be called with mu held.
func (m *Manager) retain(channel string) error {
	if own, ok := m.subscriptions[channel]; ok {
		own.refs++
		return nil
	}
	sub, err := m.bus.Subscribe(channel, m.onBusEvent)
	if err != nil {
		return err
	}
	m.subscriptions[channel] = &ownership{sub: sub, refs: 1}
	logger.Debug("Gateway: instance %s subscribed to %s", m.instanceID, channel)
	return nil
}

// release must be called with mu held.
func (m *Manager) release(channel string) {
	own, ok := m.subscriptions[channel]
	if !ok {
		return
	}
	own.refs--
	if own.refs > 0 {
		return
	}
	delete(m.subscriptions, channel)
	if err := own.sub.Unsubscribe(); err != nil {
		logger.Warn("Gateway: unsubscribe %s failed: %v", channel, err)
	}
	logger.Debug("Gateway: instance %s unsubscribed from %s", m.instanceID, channel)
}

// Register binds a connection to its user and greets it with a connected frame.
func (m *Manager) Register(c *Client) error {
	m.mu.Lock()
	if err := m.retain(entity.UserChannel(c.UserID)); err != nil {
		m.mu.Unlock()
		return err
	}
	conns, ok := m.users[c.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		m.users[c.UserID] = conns
	}
	conns[c] = struct{}{}
	m.clients[c.ID] = c
	m.mu.Unlock()

	m.metrics.ConnectionOpened(context.Background())
	m.send(c, entity.EventConnected, "", map[string]string{
		"user_id":       c.UserID,
		"connection_id": c.ID,
	})
	logger.Info("Gateway: user %s connected as %s", c.UserID, c.ID)
	return nil
}

// Unregister removes the connection from every room and, when it was the
// user's last local connection, drops the user channel subscription.
func (m *Manager) Unregister(c *Client) {
	m.mu.Lock()
	if _, ok := m.clients[c.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, c.ID)

	var idle []string
	for chatID := range c.rooms {
		if m.removeFromRoom(c, chatID) {
			idle = append(idle, chatID)
		}
	}

	if conns, ok := m.users[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(m.users, c.UserID)
		}
	}
	m.release(entity.UserChannel(c.UserID))
	m.mu.Unlock()

	c.close()
	m.metrics.ConnectionClosed(context.Background())
	m.roomsIdle(idle)
	logger.Info("Gateway: connection %s of user %s closed", c.ID, c.UserID)
}

// Join adds the connection to a chat room after checking membership.
func (m *Manager) Join(c *Client, chatID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()

	ok, err := m.authorizer.IsParticipant(ctx, chatID, c.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotParticipant
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, registered := m.clients[c.ID]; !registered {
		return errClosed
	}
	if _, joined := c.rooms[chatID]; joined {
		return nil
	}
	if err := m.retain(entity.ChatChannel(chatID)); err != nil {
		return err
	}

	room, ok := m.rooms[chatID]
	if !ok {
		room = make(map[*Client]struct{})
		m.rooms[chatID] = room
	}
	room[c] = struct{}{}
	c.rooms[chatID] = struct{}{}
	return nil
}

// Leave removes the connection from a room. The last leaver releases the
// chat channel and fires the room idle hook.
func (m *Manager) Leave(c *Client, chatID string) {
	m.mu.Lock()
	idle := m.removeFromRoom(c, chatID)
	m.mu.Unlock()

	if idle {
		m.roomsIdle([]string{chatID})
	}
}

// removeFromRoom must be called with mu held. It reports whether the room
// became empty.
func (m *Manager) removeFromRoom(c *Client, chatID string) bool {
	if _, joined := c.rooms[chatID]; !joined {
		return false
	}
	delete(c.rooms, chatID)

	room := m.rooms[chatID]
	delete(room, c)
	m.release(entity.ChatChannel(chatID))
	if len(room) > 0 {
		return false
	}
	delete(m.rooms, chatID)
	return true
}

func (m *Manager) roomsIdle(chatIDs []string) {
	if m.onRoomIdle == nil {
		return
	}
	for _, chatID := range chatIDs {
		m.onRoomIdle(chatID)
	}
}

// evict pulls every local connection of userID out of a room.
func (m *Manager) evict(chatID, userID string) {
	m.mu.Lock()
	idle := false
	for c := range m.users[userID] {
		if m.removeFromRoom(c, chatID) {
			idle = true
		}
	}
	m.mu.Unlock()

	if idle {
		m.roomsIdle([]string{chatID})
	}
}

// dispatch delivers one bus event to the local connections it addresses.
func (m *Manager) dispatch(channel string, ev *entity.Event) {
	if ev.Origin == m.instanceID {
		return
	}

	frame, err := encodeFrame(ev.Name, ev.ChatID, ev.Data)
	if err != nil {
		logger.Error("Gateway Error: encode %s: %v", ev.Name, err)
		return
	}

	m.mu.RLock()
	var targets []*Client
	if chatID, ok := entity.ChannelChat(channel); ok {
		for c := range m.rooms[chatID] {
			targets = append(targets, c)
		}
	} else if userID, ok := entity.ChannelUser(channel); ok {
		for c := range m.users[userID] {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if c.UserID == ev.ExceptUser {
			continue
		}
		m.deliver(c, frame)
	}

	switch ev.Name {
	case entity.EventParticipantRemoved, entity.EventParticipantLeft:
		var payload entity.ParticipantPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.UserID == "" {
			return
		}
		m.evict(ev.ChatID, payload.UserID)
	}
}

func (m *Manager) deliver(c *Client, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	logger.Warn("Gateway: connection %s of user %s is not keeping up, closing", c.ID, c.UserID)
	go m.Unregister(c)
}

func (m *Manager) send(c *Client, frameType, chatID string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			logger.Error("Gateway Error: encode %s payload: %v", frameType, err)
			return
		}
		data = b
	}
	frame, err := encodeFrame(frameType, chatID, data)
	if err != nil {
		logger.Error("Gateway Error: encode %s: %v", frameType, err)
		return
	}
	m.deliver(c, frame)
}

// relayLocal sends a frame to every connection in the room except those of exceptUser.
func (m *Manager) relayLocal(chatID, exceptUser string, frame []byte) {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.rooms[chatID]))
	for c := range m.rooms[chatID] {
		if c.UserID != exceptUser {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		m.deliver(c, frame)
	}
}

// Connections reports the number of live local connections.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// RoomSize reports how many local connections are in a room.
func (m *Manager) RoomSize(chatID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[chatID])
}

// Subscribed reports whether this process holds a bus subscription for channel.
func (m *Manager) Subscribed(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subscriptions[channel]
	return ok
}

// Serve registers the client and runs its pumps until the connection ends.
func (m *Manager) Serve(c *Client) error {
	if err := m.Register(c); err != nil {
		return err
	}
	go c.WritePump()
	c.ReadPump(m)
	return nil
}
