package peerlink

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/signal"
)

// NewAPI builds the pion API shared by all links of one client: default
// codecs, default interceptors and a SettingEngine that routes pion's
// internal logging through zerolog.
func NewAPI(logger zerolog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newPionLoggerFactory(logger),
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// DialConfig describes one live link to a remote peer.
type DialConfig struct {
	API          *webrtc.API
	ICEServers   []webrtc.ICEServer
	RemotePeerID string
	RemoteUserID string
	Signaler     Signaler
	Logger       zerolog.Logger

	OnDown        func(l *Link)
	OnRemoteTrack func(remotePeerID string, track *webrtc.TrackRemote)
}

// Dial creates the underlying PeerConnection and wires its callbacks into
// a Link. No network traffic happens until the first offer or answer.
func Dial(cfg DialConfig) (*Link, error) {
	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := New(Config{
		RemotePeerID: cfg.RemotePeerID,
		RemoteUserID: cfg.RemoteUserID,
		Conn:         pc,
		Signaler:     cfg.Signaler,
		Logger:       cfg.Logger,
		OnDown:       cfg.OnDown,
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		candidate := signal.CandidateFromPion(c.ToJSON())
		if err := cfg.Signaler.Send(signal.Message{
			Type:      signal.TypeCandidate,
			Target:    cfg.RemotePeerID,
			Candidate: &candidate,
		}); err != nil {
			cfg.Logger.Debug().Err(err).Msg("send ice candidate")
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		cfg.Logger.Debug().Str("remote_peer", cfg.RemotePeerID).Str("state", s.String()).Msg("connection state")
		l.handleConnectionState(s)
	})

	if cfg.OnRemoteTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			cfg.OnRemoteTrack(cfg.RemotePeerID, track)
		})
	}

	return l, nil
}
