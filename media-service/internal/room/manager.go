package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
)

// Observer is told about room events once the room lock is released.
type Observer interface {
	// ProducerClosed fires for every producer that goes away.
	ProducerClosed(channelID string, producer domain.ProducerInfo, reason string)
	// StreamStopped fires when a room stops serving a session for any reason.
	StreamStopped(channelID, sessionID, reason string)
	// MediaSessionEnded fires when the last producer of a session closes
	// without the control plane asking for it.
	MediaSessionEnded(channelID, sessionID, reason string)
}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) ProducerClosed(channelID string, producer domain.ProducerInfo, reason string) {
	for _, obs := range o {
		obs.ProducerClosed(channelID, producer, reason)
	}
}

func (o Observers) StreamStopped(channelID, sessionID, reason string) {
	for _, obs := range o {
		obs.StreamStopped(channelID, sessionID, reason)
	}
}

func (o Observers) MediaSessionEnded(channelID, sessionID, reason string) {
	for _, obs := range o {
		obs.MediaSessionEnded(channelID, sessionID, reason)
	}
}

// maxRoomRetries bounds how often an operation is retried against a room
// that was released between lookup and use.
const maxRoomRetries = 3

// Manager owns every room of the process. Rooms are created lazily on
// the first signaling call for a channel and dropped once empty.
//
// Lock order is room.mu before Manager.mu; the manager never calls into
// a room while holding its own lock.
type Manager struct {
	cfg  RouterConfig
	caps domain.RTPCapabilities

	mu         sync.RWMutex
	rooms      map[string]*Room
	transports map[string]*Room // transportID -> room
	expected   map[string]string
	observers  Observers
}

// NewManager validates cfg by building a router once.
func NewManager(cfg RouterConfig) (*Manager, error) {
	router, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}
	router.close()

	return &Manager{
		cfg:        cfg,
		caps:       router.Capabilities(),
		rooms:      make(map[string]*Room),
		transports: make(map[string]*Room),
		expected:   make(map[string]string),
	}, nil
}

// AddObserver registers an observer for every room's events.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Capabilities returns the codecs a router can route.
func (m *Manager) Capabilities() domain.RTPCapabilities {
	codecs := make([]domain.Codec, len(m.caps.Codecs))
	copy(codecs, m.caps.Codecs)
	return domain.RTPCapabilities{Codecs: codecs}
}

// GetOrCreateRoom returns the room of channelID, building it and its
// router on first use.
func (m *Manager) GetOrCreateRoom(channelID string) (*Room, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", domain.ErrInvalidRequest)
	}

	m.mu.RLock()
	r, ok := m.rooms[channelID]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[channelID]; ok {
		return r, nil
	}
	router, err := NewRouter(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	r = newRoom(channelID, m, router)
	m.rooms[channelID] = r

	l := log.L()
	l.Debug().Str(log.FieldChannelID, channelID).Msg("room created")
	return r, nil
}

// Room returns the room of channelID if one exists.
func (m *Manager) Room(channelID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[channelID]
	return r, ok
}

// RoomOfTransport looks a transport up across every room.
func (m *Manager) RoomOfTransport(transportID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.transports[transportID]
	return r, ok
}

// RoomCount returns the number of open rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// CreateTransport opens a transport in channelID's room, creating the
// room if needed.
func (m *Manager) CreateTransport(channelID, socketID string) (domain.TransportInfo, error) {
	var info domain.TransportInfo
	err := m.withRoom(channelID, func(r *Room) error {
		var err error
		info, err = r.CreateTransport(socketID)
		return err
	})
	return info, err
}

// ConnectTransport connects a transport of channelID's room.
func (m *Manager) ConnectTransport(ctx context.Context, channelID, transportID string, params domain.DTLSParameters) (domain.DTLSParameters, error) {
	r, ok := m.Room(channelID)
	if !ok {
		return domain.DTLSParameters{}, fmt.Errorf("%w: no room for channel %s", domain.ErrNotFound, channelID)
	}
	return r.ConnectTransport(ctx, transportID, params)
}

// Produce creates a producer in channelID's room.
func (m *Manager) Produce(channelID, transportID string, kind domain.Kind, params domain.RTPParameters, sessionID string) (domain.ProducerInfo, error) {
	r, ok := m.Room(channelID)
	if !ok {
		return domain.ProducerInfo{}, fmt.Errorf("%w: no room for channel %s", domain.ErrNotFound, channelID)
	}
	info, err := r.CreateProducer(transportID, kind, params, sessionID)
	if errors.Is(err, errRoomClosed) {
		return info, fmt.Errorf("%w: transport %s", domain.ErrNotFound, transportID)
	}
	return info, err
}

// Consume creates consumers in channelID's room. A channel without a
// room has nothing to consume yet.
func (m *Manager) Consume(channelID, transportID string, caps domain.RTPCapabilities, socketID string) ([]domain.ConsumerInfo, error) {
	r, ok := m.Room(channelID)
	if !ok {
		return nil, domain.ErrStreamNotActive
	}
	infos, err := r.CreateConsumers(transportID, caps, socketID)
	if errors.Is(err, errRoomClosed) {
		return nil, domain.ErrStreamNotActive
	}
	return infos, err
}

// CloseSocket drops everything socketID holds in any room.
func (m *Manager) CloseSocket(socketID string) {
	for _, r := range m.snapshot() {
		consumers := r.CloseSocket(socketID)
		transports := r.CloseTransportsOf(socketID)
		if consumers+transports > 0 {
			l := log.L()
			l.Debug().
				Str(log.FieldChannelID, r.ChannelID).
				Str(log.FieldSocketID, socketID).
				Int("consumers", consumers).
				Int("transports", transports).
				Msg("socket resources closed")
		}
	}
}

// ExpectSession records the session the control plane started on
// channelID and evicts producers of any other session.
func (m *Manager) ExpectSession(channelID, sessionID string) error {
	if channelID == "" || sessionID == "" {
		return fmt.Errorf("%w: channel id and session id are required", domain.ErrInvalidRequest)
	}
	m.mu.Lock()
	m.expected[channelID] = sessionID
	r := m.rooms[channelID]
	m.mu.Unlock()

	if r != nil {
		r.ExpectSession(sessionID)
	}
	return nil
}

// StopSession ends sessionID on channelID, or whatever is live when
// sessionID is empty. It reports whether producers were closed.
func (m *Manager) StopSession(channelID, sessionID string) (bool, error) {
	if channelID == "" {
		return false, fmt.Errorf("%w: channel id is required", domain.ErrInvalidRequest)
	}
	m.mu.Lock()
	if expected, ok := m.expected[channelID]; ok && (sessionID == "" || expected == sessionID) {
		delete(m.expected, channelID)
	}
	r := m.rooms[channelID]
	m.mu.Unlock()

	if r == nil {
		return false, nil
	}
	return r.StopSession(sessionID), nil
}

// State returns the state of channelID's room, or an idle state when
// there is no room.
func (m *Manager) State(channelID string) domain.RoomState {
	if r, ok := m.Room(channelID); ok {
		return r.State()
	}
	return domain.RoomState{ChannelID: channelID}
}

// Close tears down every room.
func (m *Manager) Close() {
	for _, r := range m.snapshot() {
		r.Close()
	}
}

func (m *Manager) withRoom(channelID string, fn func(*Room) error) error {
	for attempt := 0; ; attempt++ {
		r, err := m.GetOrCreateRoom(channelID)
		if err != nil {
			return err
		}
		err = fn(r)
		if !errors.Is(err, errRoomClosed) || attempt == maxRoomRetries {
			return err
		}
	}
}

func (m *Manager) snapshot() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (m *Manager) observer() Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(Observers(nil), m.observers...)
}

func (m *Manager) expectedSession(channelID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expected[channelID]
}

func (m *Manager) indexTransport(transportID string, r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[transportID] = r
}

func (m *Manager) unindexTransport(transportID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transports, transportID)
}

func (m *Manager) release(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.ChannelID] == r {
		delete(m.rooms, r.ChannelID)
		l := log.L()
		l.Debug().Str(log.FieldChannelID, r.ChannelID).Msg("room released")
	}
}
