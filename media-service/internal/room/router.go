package room

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
)

var errRouterClosed = errors.New("router closed")

// RouterConfig controls how a room's peer connections are built.
type RouterConfig struct {
	ICEServers []webrtc.ICEServer
	PortMin    uint16
	PortMax    uint16
}

// routerCodecs are the codecs every room can route.
var routerCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP9,
			ClockRate: 90000,
		},
		PayloadType: 98,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		},
		PayloadType: 102,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
}

// Router is a room's webrtc.API: the codecs and interceptors every
// transport of the room is built with.
type Router struct {
	api    *webrtc.API
	config webrtc.Configuration
	codecs []domain.Codec
	closed atomic.Bool
}

// NewRouter registers the routable codecs and the PLI interceptor.
func NewRouter(cfg RouterConfig) (*Router, error) {
	m := &webrtc.MediaEngine{}
	codecs := make([]domain.Codec, 0, len(routerCodecs))
	for _, c := range routerCodecs {
		kind := codecKind(c.MimeType)
		typ := webrtc.RTPCodecTypeVideo
		if kind == domain.KindAudio {
			typ = webrtc.RTPCodecTypeAudio
		}
		if err := m.RegisterCodec(c, typ); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", c.MimeType, err)
		}
		codecs = append(codecs, domain.Codec{
			Kind:        kind,
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
			PayloadType: uint8(c.PayloadType),
		})
	}

	// Forwarded video needs periodic keyframes for late joiners.
	i := &interceptor.Registry{}
	intervalPliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(intervalPliFactory)

	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax >= cfg.PortMin {
		if err := s.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid udp port range: %w", err)
		}
	}

	return &Router{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		codecs: codecs,
	}, nil
}

// Capabilities returns the codecs this router can route.
func (r *Router) Capabilities() domain.RTPCapabilities {
	codecs := make([]domain.Codec, len(r.codecs))
	copy(codecs, r.codecs)
	return domain.RTPCapabilities{Codecs: codecs}
}

func (r *Router) newPeerConnection() (*webrtc.PeerConnection, error) {
	if r.closed.Load() {
		return nil, errRouterClosed
	}
	return r.api.NewPeerConnection(r.config)
}

// match picks the first offered codec of kind the router supports and
// returns the router's own description of it.
func (r *Router) match(kind domain.Kind, offered []domain.Codec) (domain.Codec, bool) {
	for _, o := range offered {
		for _, c := range r.codecs {
			if c.Kind != kind || !strings.EqualFold(c.MimeType, o.MimeType) {
				continue
			}
			if o.ClockRate != 0 && o.ClockRate != c.ClockRate {
				continue
			}
			return c, true
		}
	}
	return domain.Codec{}, false
}

func (r *Router) close() {
	r.closed.Store(true)
}

// canReceive reports whether a client with caps can consume codec.
func canReceive(caps domain.RTPCapabilities, codec domain.Codec) bool {
	for _, c := range caps.Codecs {
		if !strings.EqualFold(c.MimeType, codec.MimeType) {
			continue
		}
		if c.ClockRate != 0 && c.ClockRate != codec.ClockRate {
			continue
		}
		return true
	}
	return false
}

func codecKind(mimeType string) domain.Kind {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func capabilityOf(c domain.Codec) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}
