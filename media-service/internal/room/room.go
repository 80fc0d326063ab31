package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
)

var errRoomClosed = errors.New("room closed")

// Room is the routing state of one channel: the transports opened by
// its sockets, at most one producer per kind and the consumers viewers
// hold on those producers.
//
// Every mutation happens under mu. Work that may block or call back into
// the room (closing peer connections, notifying observers, releasing the
// room from its manager) is collected while locked and run after unlock.
type Room struct {
	ChannelID string

	mgr    *Manager
	router *Router

	mu           sync.Mutex
	closed       bool
	sessionID    string
	transports   map[string]*Transport
	producers    map[domain.Kind]*Producer
	consumers    map[string]map[string]*Consumer // socketID -> consumerID -> consumer
	lastActivity time.Time
}

func newRoom(channelID string, mgr *Manager, router *Router) *Room {
	return &Room{
		ChannelID:    channelID,
		mgr:          mgr,
		router:       router,
		transports:   make(map[string]*Transport),
		producers:    make(map[domain.Kind]*Producer),
		consumers:    make(map[string]map[string]*Consumer),
		lastActivity: time.Now(),
	}
}

// CreateTransport opens a peer connection for socketID.
func (r *Room) CreateTransport(socketID string) (domain.TransportInfo, error) {
	if socketID == "" {
		return domain.TransportInfo{}, fmt.Errorf("%w: socket id is required", domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.TransportInfo{}, errRoomClosed
	}

	pc, err := r.router.newPeerConnection()
	if err != nil {
		return domain.TransportInfo{}, fmt.Errorf("failed to create peer connection: %w", err)
	}
	t := newTransport(uuid.New().String(), socketID, pc)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.onTrack(t.ID, remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		// pion may call this from inside pc.Close; never take the lock inline.
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go r.onTransportDown(t.ID, state)
		}
	})

	r.transports[t.ID] = t
	r.mgr.indexTransport(t.ID, r)
	r.lastActivity = time.Now()

	return domain.TransportInfo{ID: t.ID, ChannelID: r.ChannelID, SocketID: socketID}, nil
}

// ConnectTransport applies the client's SDP offer to a transport of this
// room and returns the answer.
func (r *Room) ConnectTransport(ctx context.Context, transportID string, params domain.DTLSParameters) (domain.DTLSParameters, error) {
	if params.SDP == "" {
		return domain.DTLSParameters{}, fmt.Errorf("%w: dtls parameters carry no sdp", domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return domain.DTLSParameters{}, fmt.Errorf("%w: transport %s", domain.ErrNotFound, transportID)
	}
	if t.connected {
		r.mu.Unlock()
		return domain.DTLSParameters{}, fmt.Errorf("%w: transport already connected", domain.ErrInvalidRequest)
	}
	t.connected = true
	r.lastActivity = time.Now()
	r.mu.Unlock()

	answer, err := t.connect(ctx, params.SDP)
	if err != nil {
		r.mu.Lock()
		t.connected = false
		r.mu.Unlock()
		return domain.DTLSParameters{}, err
	}

	return domain.DTLSParameters{Type: webrtc.SDPTypeAnswer.String(), SDP: answer}, nil
}

// CreateProducer registers the producer of kind on a transport. An
// existing producer of the same kind is replaced, and producers left over
// from another session are closed.
func (r *Room) CreateProducer(transportID string, kind domain.Kind, params domain.RTPParameters, sessionID string) (domain.ProducerInfo, error) {
	if !kind.Valid() {
		return domain.ProducerInfo{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidRequest, kind)
	}
	if sessionID == "" {
		return domain.ProducerInfo{}, fmt.Errorf("%w: session id is required", domain.ErrInvalidRequest)
	}
	codec, ok := r.router.match(kind, params.Codecs)
	if !ok {
		return domain.ProducerInfo{}, fmt.Errorf("%w: no routable %s codec offered", domain.ErrInvalidCapability, kind)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ProducerInfo{}, errRoomClosed
	}
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return domain.ProducerInfo{}, fmt.Errorf("%w: transport %s", domain.ErrNotFound, transportID)
	}
	if expected := r.mgr.expectedSession(r.ChannelID); expected != "" && expected != sessionID {
		r.mu.Unlock()
		return domain.ProducerInfo{}, fmt.Errorf("%w: channel expects session %s", domain.ErrConflict, expected)
	}

	p, err := newProducer(uuid.New().String(), kind, t, sessionID, codec, r.ChannelID)
	if err != nil {
		r.mu.Unlock()
		return domain.ProducerInfo{}, fmt.Errorf("failed to create local track: %w", err)
	}

	var after []func()
	// No new OnTrack fires without renegotiation, so a replacement on the
	// same transport takes over the running remote track.
	if old, ok := r.producers[kind]; ok && old.transport == t {
		old.handOver(p)
	}
	if r.sessionID != "" && r.sessionID != sessionID {
		after = append(after, r.stopProducersLocked(domain.ReasonSuperseded)...)
	}
	if old, ok := r.producers[kind]; ok {
		after = append(after, r.closeProducerLocked(old, domain.ReasonReplaced, false)...)
	}

	r.producers[kind] = p
	r.sessionID = sessionID
	r.lastActivity = time.Now()
	if remote, ok := t.pending[kind]; ok {
		delete(t.pending, kind)
		p.attach(remote, r.onTrackEnded)
	}
	r.mu.Unlock()

	run(after)
	return p.Info(), nil
}

// CreateConsumers routes every producer the client can receive onto a
// transport owned by socketID. Producers the socket already consumes on
// that transport are returned as they are.
func (r *Room) CreateConsumers(transportID string, caps domain.RTPCapabilities, socketID string) ([]domain.ConsumerInfo, error) {
	if len(caps.Codecs) == 0 {
		return nil, fmt.Errorf("%w: empty rtp capabilities", domain.ErrInvalidCapability)
	}
	for _, c := range caps.Codecs {
		if c.MimeType == "" {
			return nil, fmt.Errorf("%w: codec without mime type", domain.ErrInvalidCapability)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRoomClosed
	}
	t, ok := r.transports[transportID]
	if !ok || t.SocketID != socketID {
		return nil, fmt.Errorf("%w: transport %s", domain.ErrNotFound, transportID)
	}
	if len(r.producers) == 0 {
		return nil, domain.ErrStreamNotActive
	}

	set := r.consumers[socketID]
	existing := make(map[string]*Consumer)
	for _, c := range set {
		if c.transport == t {
			existing[c.ProducerID] = c
		}
	}

	var infos []domain.ConsumerInfo
	for _, p := range r.sortedProducersLocked() {
		if !canReceive(caps, p.Codec) {
			continue
		}
		if c, ok := existing[p.ID]; ok {
			infos = append(infos, c.Info())
			continue
		}
		c, err := newConsumer(uuid.New().String(), p, t)
		if err != nil {
			return infos, fmt.Errorf("failed to add track: %w", err)
		}
		if set == nil {
			set = make(map[string]*Consumer)
			r.consumers[socketID] = set
		}
		set[c.ID] = c
		infos = append(infos, c.Info())
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no producer matches the client codecs", domain.ErrInvalidCapability)
	}
	r.lastActivity = time.Now()
	return infos, nil
}

// CloseSocket closes the consumers held by socketID and returns how many
// were closed. Transports and producers of the socket are left alone.
func (r *Room) CloseSocket(socketID string) int {
	r.mu.Lock()
	set := r.consumers[socketID]
	for _, c := range set {
		c.close()
	}
	delete(r.consumers, socketID)
	release := r.releaseLocked()
	r.mu.Unlock()

	if release {
		r.mgr.release(r)
	}
	return len(set)
}

// CloseTransportsOf closes every transport opened by socketID, together
// with the producers and consumers running on them.
func (r *Room) CloseTransportsOf(socketID string) int {
	r.mu.Lock()
	var after []func()
	n := 0
	for _, t := range r.transports {
		if t.SocketID == socketID {
			after = append(after, r.closeTransportLocked(t, domain.ReasonDisconnect)...)
			n++
		}
	}
	release := r.releaseLocked()
	r.mu.Unlock()

	run(after)
	if release {
		r.mgr.release(r)
	}
	return n
}

// ExpectSession records that the control plane started sessionID. Any
// producers still serving another session are closed.
func (r *Room) ExpectSession(sessionID string) {
	r.mu.Lock()
	var after []func()
	if r.sessionID != "" && r.sessionID != sessionID {
		after = r.stopProducersLocked(domain.ReasonSuperseded)
	}
	r.mu.Unlock()

	run(after)
}

// StopSession closes the room's producers when they belong to sessionID,
// or to any session when sessionID is empty.
func (r *Room) StopSession(sessionID string) bool {
	r.mu.Lock()
	if len(r.producers) == 0 || (sessionID != "" && r.sessionID != sessionID) {
		r.mu.Unlock()
		return false
	}
	after := r.stopProducersLocked(domain.ReasonStopped)
	r.mu.Unlock()

	run(after)
	return true
}

// State reports whether media is flowing and how many sockets consume it.
func (r *Room) State() domain.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	lastActivity := r.lastActivity
	state := domain.RoomState{
		ChannelID:    r.ChannelID,
		IsLive:       len(r.producers) > 0,
		Viewers:      len(r.consumers),
		LastActivity: &lastActivity,
	}
	if state.IsLive {
		state.SessionID = r.sessionID
	}
	return state
}

// Close tears the room down: consumers, then producers, then transports,
// then the router.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	for socketID, set := range r.consumers {
		for _, c := range set {
			c.close()
		}
		delete(r.consumers, socketID)
	}
	for kind, p := range r.producers {
		p.close()
		delete(r.producers, kind)
	}
	r.sessionID = ""

	transports := make([]*Transport, 0, len(r.transports))
	for id, t := range r.transports {
		transports = append(transports, t)
		delete(r.transports, id)
		r.mgr.unindexTransport(id)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.close()
	}
	r.router.close()
	r.mgr.release(r)
}

func (r *Room) onTrack(transportID string, remote *webrtc.TrackRemote) {
	kind := domain.Kind(remote.Kind().String())

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[transportID]
	if !ok {
		return
	}
	if p, ok := r.producers[kind]; ok && p.transport == t {
		p.attach(remote, r.onTrackEnded)
		return
	}
	t.pending[kind] = remote
}

func (r *Room) onTrackEnded(p *Producer) {
	r.mu.Lock()
	// p may have handed its remote over while the loop was reporting.
	if owner := p.owner(); owner != nil {
		p = owner
	}
	if r.producers[p.Kind] != p {
		r.mu.Unlock()
		return
	}
	after := r.closeProducerLocked(p, domain.ReasonTrackEnded, true)
	r.mu.Unlock()

	run(after)
}

func (r *Room) onTransportDown(transportID string, state webrtc.PeerConnectionState) {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return
	}
	l := log.L()
	l.Info().
		Str(log.FieldChannelID, r.ChannelID).
		Str(log.FieldTransportID, transportID).
		Str("state", state.String()).
		Msg("transport went down")

	reason := domain.ReasonTransportFailed
	if state == webrtc.PeerConnectionStateClosed {
		reason = domain.ReasonDisconnect
	}
	after := r.closeTransportLocked(t, reason)
	release := r.releaseLocked()
	r.mu.Unlock()

	run(after)
	if release {
		r.mgr.release(r)
	}
}

// closeTransportLocked removes t with everything running on it. The
// peer connection itself is closed by the returned work.
func (r *Room) closeTransportLocked(t *Transport, reason string) []func() {
	var after []func()

	for _, set := range r.consumers {
		for id, c := range set {
			if c.transport == t {
				c.close()
				delete(set, id)
			}
		}
	}
	r.pruneConsumersLocked()

	for _, p := range r.sortedProducersLocked() {
		if p.transport == t {
			after = append(after, r.closeProducerLocked(p, reason, true)...)
		}
	}

	delete(r.transports, t.ID)
	r.mgr.unindexTransport(t.ID)
	return append(after, t.close)
}

// closeProducerLocked closes p and its consumers. When p was the last
// producer and final is set, the session is reported as ended by media.
func (r *Room) closeProducerLocked(p *Producer, reason string, final bool) []func() {
	p.close()
	if r.producers[p.Kind] == p {
		delete(r.producers, p.Kind)
	}
	for _, set := range r.consumers {
		for id, c := range set {
			if c.ProducerID == p.ID {
				c.close()
				delete(set, id)
			}
		}
	}
	r.pruneConsumersLocked()

	channelID, info := r.ChannelID, p.Info()
	obs := r.mgr.observer()
	after := []func(){func() { obs.ProducerClosed(channelID, info, reason) }}

	if final && len(r.producers) == 0 && r.sessionID != "" {
		sessionID := r.sessionID
		r.sessionID = ""
		after = append(after, func() {
			obs.StreamStopped(channelID, sessionID, reason)
			obs.MediaSessionEnded(channelID, sessionID, reason)
		})
	}
	return after
}

// stopProducersLocked closes every producer on behalf of the control
// plane. Viewers are told the stream stopped; the bus is not.
func (r *Room) stopProducersLocked(reason string) []func() {
	sessionID := r.sessionID
	var after []func()
	for _, p := range r.sortedProducersLocked() {
		after = append(after, r.closeProducerLocked(p, reason, false)...)
	}
	r.sessionID = ""

	if sessionID != "" {
		channelID, obs := r.ChannelID, r.mgr.observer()
		after = append(after, func() { obs.StreamStopped(channelID, sessionID, reason) })
	}
	return after
}

func (r *Room) pruneConsumersLocked() {
	for socketID, set := range r.consumers {
		if len(set) == 0 {
			delete(r.consumers, socketID)
		}
	}
}

func (r *Room) sortedProducersLocked() []*Producer {
	out := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// releaseLocked marks an empty room closed so the manager can drop it.
func (r *Room) releaseLocked() bool {
	if r.closed || len(r.transports) > 0 || len(r.producers) > 0 || len(r.consumers) > 0 {
		return false
	}
	r.closed = true
	r.router.close()
	return true
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
