package room

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
)

// Consumer routes one producer to one viewer transport.
type Consumer struct {
	ID         string
	ProducerID string
	SocketID   string
	Kind       domain.Kind
	Codec      domain.Codec

	transport *Transport
	sender    *webrtc.RTPSender
	closeOnce sync.Once
}

func newConsumer(id string, p *Producer, t *Transport) (*Consumer, error) {
	sender, err := t.pc.AddTrack(p.track)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		ID:         id,
		ProducerID: p.ID,
		SocketID:   t.SocketID,
		Kind:       p.Kind,
		Codec:      p.Codec,
		transport:  t,
		sender:     sender,
	}

	// RTCP must be drained for interceptors (NACK, reports) to run.
	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	return c, nil
}

// Info returns the signaling view of the consumer.
func (c *Consumer) Info() domain.ConsumerInfo {
	return domain.ConsumerInfo{
		ID:          c.ID,
		ProducerID:  c.ProducerID,
		Kind:        c.Kind,
		TransportID: c.transport.ID,
		Codec:       c.Codec,
	}
}

func (c *Consumer) close() {
	c.closeOnce.Do(func() {
		// The transport may already be closed; the sender is stopped either way.
		_ = c.transport.pc.RemoveTrack(c.sender)
	})
}
