// Package peerlink manages one point-to-point media connection to a single
// remote participant: its offer/answer negotiation, trickled ICE
// candidates, attached local tracks and connection lifecycle. A link is
// owned exclusively by the coordinator (mesh or call) that created it.
package peerlink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/signal"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrClosed = errors.New("peer link is closed")

// Signaler delivers this link's outbound negotiation messages to the relay.
type Signaler interface {
	Send(msg signal.Message) error
}

// mediaConn is the slice of *webrtc.PeerConnection the link drives. Tests
// substitute a fake so the negotiation state machine runs without a live
// transport.
type mediaConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	GetStats() webrtc.StatsReport
	Close() error
}

var _ mediaConn = (*webrtc.PeerConnection)(nil)

type Config struct {
	RemotePeerID string
	RemoteUserID string
	Conn         mediaConn
	Signaler     Signaler
	Logger       zerolog.Logger

	// OnDown fires when the underlying transport reports failure or
	// disconnect, never on an explicit Close by the owner.
	OnDown func(l *Link)
}

type Link struct {
	remotePeerID string
	remoteUserID string
	conn         mediaConn
	signaler     Signaler
	logger       zerolog.Logger
	onDown       func(*Link)

	mu             sync.Mutex
	state          State
	awaitingAnswer bool
	remoteDescSet  bool
	pending        []webrtc.ICECandidateInit
	senders        map[string]*webrtc.RTPSender
}

func New(cfg Config) *Link {
	return &Link{
		remotePeerID: cfg.RemotePeerID,
		remoteUserID: cfg.RemoteUserID,
		conn:         cfg.Conn,
		signaler:     cfg.Signaler,
		logger:       cfg.Logger,
		onDown:       cfg.OnDown,
		state:        StateConnecting,
		senders:      make(map[string]*webrtc.RTPSender),
	}
}

func (l *Link) RemotePeerID() string { return l.remotePeerID }
func (l *Link) RemoteUserID() string { return l.remoteUserID }

// GetStats exposes the transport statistics for the latency probe.
func (l *Link) GetStats() webrtc.StatsReport { return l.conn.GetStats() }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Offer starts a negotiation round: create an offer, make it the local
// description and send it to the remote peer. The initiating side of a
// pair calls this exactly once per round.
func (l *Link) Offer() error {
	l.mu.Lock()
	msg, err := l.offerLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.signaler.Send(msg)
}

// offerLocked builds the offer message; the send happens after the lock is
// released so a slow signaler never stalls negotiation state.
func (l *Link) offerLocked() (signal.Message, error) {
	if l.state == StateClosed {
		return signal.Message{}, ErrClosed
	}
	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		return signal.Message{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return signal.Message{}, fmt.Errorf("set local description: %w", err)
	}
	l.awaitingAnswer = true
	sdp := signal.SDPFromPion(offer)
	return signal.Message{Type: signal.TypeOffer, Target: l.remotePeerID, SDP: &sdp}, nil
}

// HandleOffer applies a remote offer and responds with an answer. Valid in
// any state except closed; renegotiation offers land here too.
func (l *Link) HandleOffer(sdp signal.SDP) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrClosed
	}
	desc, err := sdp.ToPion()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		l.mu.Unlock()
		return fmt.Errorf("expected offer, got %q", sdp.Type)
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("set remote description: %w", err)
	}
	if err := l.drainPendingLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("set local description: %w", err)
	}
	out := signal.SDPFromPion(answer)
	msg := signal.Message{Type: signal.TypeAnswer, Target: l.remotePeerID, SDP: &out}
	l.mu.Unlock()

	return l.signaler.Send(msg)
}

// HandleAnswer completes a negotiation round this side initiated. An
// answer that arrives when none is awaited (relay duplication, a stale
// round) is ignored.
func (l *Link) HandleAnswer(sdp signal.SDP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrClosed
	}
	if !l.awaitingAnswer {
		l.logger.Debug().Str("remote_peer", l.remotePeerID).Msg("ignoring unexpected answer")
		return nil
	}
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %q", sdp.Type)
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.awaitingAnswer = false
	return l.drainPendingLocked()
}

// HandleCandidate applies a trickled remote candidate, or queues it if no
// remote description has been set yet. Candidates for a closed link are
// dropped.
func (l *Link) HandleCandidate(c signal.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	if !l.remoteDescSet {
		l.pending = append(l.pending, c.ToPion())
		return nil
	}
	if err := l.conn.AddICECandidate(c.ToPion()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// drainPendingLocked applies queued candidates in arrival order exactly
// once, then discards the queue for good: every later candidate applies
// immediately.
func (l *Link) drainPendingLocked() error {
	l.remoteDescSet = true
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			return fmt.Errorf("apply queued ice candidate: %w", err)
		}
	}
	return nil
}

// AttachTrack adds a local track and renegotiates, since the track set is
// part of the session description. Attaching a track that is already on
// the link is a no-op.
func (l *Link) AttachTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrClosed
	}
	if _, ok := l.senders[track.ID()]; ok {
		l.mu.Unlock()
		return nil
	}
	sender, err := l.conn.AddTrack(track)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("add track: %w", err)
	}
	l.senders[track.ID()] = sender
	msg, err := l.offerLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.signaler.Send(msg)
}

// DetachTrack removes one local track by id and renegotiates. Other
// senders are untouched. Unknown ids are a no-op.
func (l *Link) DetachTrack(trackID string) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrClosed
	}
	sender, ok := l.senders[trackID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if err := l.conn.RemoveTrack(sender); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("remove track: %w", err)
	}
	delete(l.senders, trackID)
	msg, err := l.offerLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.signaler.Send(msg)
}

// Close releases the underlying connection and all track references.
// Idempotent; the OnDown callback does not fire for an owner-initiated
// close.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	l.senders = nil
	l.pending = nil
	l.mu.Unlock()

	return l.conn.Close()
}

// handleConnectionState reacts to the underlying transport's lifecycle:
// connected promotes the link, failure tears it down and notifies the
// owner so the participant can be removed.
func (l *Link) handleConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateConnected
		}
		l.mu.Unlock()

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		l.mu.Lock()
		if l.state == StateClosed {
			l.mu.Unlock()
			return
		}
		l.state = StateClosed
		l.senders = nil
		l.pending = nil
		l.mu.Unlock()

		_ = l.conn.Close()
		if l.onDown != nil {
			l.onDown(l)
		}
	}
}
