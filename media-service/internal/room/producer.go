package room

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
)

// Producer is the single sender of one media kind in a room. Packets from
// the broadcaster's remote track are written to a local track that every
// consumer of the producer shares.
type Producer struct {
	ID        string
	Kind      domain.Kind
	SessionID string
	Codec     domain.Codec

	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	attached  atomic.Bool
	// next receives the remote track once p is replaced on the same transport.
	next      atomic.Pointer[Producer]
	done      chan struct{}
	closeOnce sync.Once
}

func newProducer(id string, kind domain.Kind, t *Transport, sessionID string, codec domain.Codec, channelID string) (*Producer, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(capabilityOf(codec), string(kind), "channel-"+channelID)
	if err != nil {
		return nil, err
	}
	return &Producer{
		ID:        id,
		Kind:      kind,
		SessionID: sessionID,
		Codec:     codec,
		transport: t,
		track:     track,
		done:      make(chan struct{}),
	}, nil
}

// Info returns the signaling view of the producer.
func (p *Producer) Info() domain.ProducerInfo {
	return domain.ProducerInfo{
		ID:          p.ID,
		Kind:        p.Kind,
		TransportID: p.transport.ID,
		SessionID:   p.SessionID,
		Codec:       p.Codec,
	}
}

// attach starts forwarding remote into the producer. Only the first call
// has an effect. onEnd runs when the remote track stops delivering while
// the producer is still open.
func (p *Producer) attach(remote *webrtc.TrackRemote, onEnd func(*Producer)) {
	if !p.attached.CompareAndSwap(false, true) {
		return
	}
	go p.forward(remote, onEnd)
}

// handOver makes next the destination of p's remote track. The caller
// closes p afterwards; the forwarding loop then writes into next. It
// reports false when p has no remote to give.
func (p *Producer) handOver(next *Producer) bool {
	if !p.attached.Load() || !next.attached.CompareAndSwap(false, true) {
		return false
	}
	p.next.Store(next)
	return true
}

// owner returns the open producer currently fed by p's remote track, or nil
// when the chain of hand-overs ends in a closed producer.
func (p *Producer) owner() *Producer {
	for q := p; q != nil; q = q.next.Load() {
		if !q.isClosed() {
			return q
		}
	}
	return nil
}

func (p *Producer) forward(remote *webrtc.TrackRemote, onEnd func(*Producer)) {
	cur := p
	l := cur.logger()
	l.Debug().Str("codec", remote.Codec().MimeType).Msg("forwarding remote track")

	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = remote.ReadRTP()
		if err != nil {
			break
		}
		owner := cur.owner()
		if owner == nil {
			return
		}
		if owner != cur {
			cur = owner
			l = cur.logger()
			l.Debug().Msg("remote track handed over")
		}
		if err := cur.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			l.Debug().Err(err).Msg("failed to write rtp packet")
		}
	}

	owner := cur.owner()
	if owner == nil {
		return
	}
	l.Info().Err(err).Msg("remote track ended")
	onEnd(owner)
}

func (p *Producer) logger() zerolog.Logger {
	return log.L().With().Str(log.FieldProducerID, p.ID).Str(log.FieldKind, string(p.Kind)).Logger()
}

func (p *Producer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Producer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}
