package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
)

// Transport is one peer connection owned by a signaling socket. A
// broadcaster sends on it; a viewer receives consumers on it.
type Transport struct {
	ID       string
	SocketID string

	pc        *webrtc.PeerConnection
	connected bool
	// Remote tracks that arrived before a producer of their kind existed.
	pending   map[domain.Kind]*webrtc.TrackRemote
	closeOnce sync.Once
}

func newTransport(id, socketID string, pc *webrtc.PeerConnection) *Transport {
	return &Transport{
		ID:       id,
		SocketID: socketID,
		pc:       pc,
		pending:  make(map[domain.Kind]*webrtc.TrackRemote),
	}
}

// connect applies the client offer and returns the answer once ICE
// gathering has completed.
func (t *Transport) connect(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}

	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: failed to set remote description: %v", domain.ErrInvalidRequest, err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)

	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	return t.pc.LocalDescription().SDP, nil
}

func (t *Transport) close() {
	t.closeOnce.Do(func() {
		if err := t.pc.Close(); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldTransportID, t.ID).Msg("failed to close peer connection")
		}
	})
}
