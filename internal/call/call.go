// Package call runs the state machine for one private two-party call:
// ring windows on both sides, accept and decline transitions, and the
// single peer link a call owns once active. The caller side sends the
// first offer after the accept confirmation arrives, because the callee
// only learns connection details from that offer.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/media"
	"github.com/parlorapp/parlor/internal/signal"
)

type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

const DefaultRingTimeout = 30 * time.Second

var (
	ErrNotIdle = errors.New("a call is already in progress")
	ErrNoCall  = errors.New("no call in progress")
)

// Link is the call's view of its peer connection; *peerlink.Link satisfies
// it.
type Link interface {
	RemotePeerID() string
	Offer() error
	HandleOffer(sdp signal.SDP) error
	HandleAnswer(sdp signal.SDP) error
	HandleCandidate(c signal.Candidate) error
	AttachTrack(track webrtc.TrackLocal) error
	Close() error
}

type LinkFactory func(remotePeerID, remoteUserID string) (Link, error)

type Signaler interface {
	Send(msg signal.Message) error
}

// Events are outbound notifications. Nil callbacks are skipped.
type Events struct {
	// Incoming fires when a call starts ringing locally; it is the hook a
	// notification surface subscribes to.
	Incoming func(callID, callerID, callerUsername string)
	Started  func(callID, remoteUserID string)
	Ended    func(callID, reason string)
}

const (
	// EndReasonTimeout marks a ring window that expired with no response.
	EndReasonTimeout = "timeout"
	// EndReasonHangup marks a locally requested end or decline.
	EndReasonHangup = "hangup"
)

type Config struct {
	Signaler    Signaler
	Factory     LinkFactory
	Events      Events
	RingTimeout time.Duration
	Logger      zerolog.Logger

	// afterFunc is swapped by tests for deterministic timers.
	AfterFunc func(d time.Duration, f func()) *time.Timer
	// newCallID is swapped by tests for stable ids.
	NewCallID func() string
}

type Coordinator struct {
	signaler    Signaler
	factory     LinkFactory
	events      Events
	ringTimeout time.Duration
	logger      zerolog.Logger
	afterFunc   func(d time.Duration, f func()) *time.Timer
	newCallID   func() string

	mu           sync.Mutex
	state        State
	callID       string
	remoteUserID string
	remotePeerID string
	link         Link
	timer        *time.Timer
	stream       *media.Stream
	deafened     bool
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		signaler:    cfg.Signaler,
		factory:     cfg.Factory,
		events:      cfg.Events,
		ringTimeout: cfg.RingTimeout,
		logger:      cfg.Logger,
		afterFunc:   cfg.AfterFunc,
		newCallID:   cfg.NewCallID,
	}
	if c.ringTimeout <= 0 {
		c.ringTimeout = DefaultRingTimeout
	}
	if c.afterFunc == nil {
		c.afterFunc = time.AfterFunc
	}
	if c.newCallID == nil {
		c.newCallID = uuid.NewString
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initiate starts an outgoing call. Valid only from idle; the ring window
// starts immediately and an unanswered call ends itself.
func (c *Coordinator) Initiate(targetUserID string) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", ErrNotIdle
	}
	callID := c.newCallID()
	c.state = StateCalling
	c.callID = callID
	c.remoteUserID = targetUserID
	c.startTimerLocked(callID)
	c.mu.Unlock()

	err := c.signaler.Send(signal.Message{
		Type:         signal.TypeCallInitiate,
		CallID:       callID,
		TargetUserID: targetUserID,
	})
	if err != nil {
		c.reset(callID, "", false)
		return "", err
	}
	return callID, nil
}

// HandleIncoming reacts to a ring from the relay. A busy endpoint declines
// without surfacing anything: one endpoint runs at most one call.
func (c *Coordinator) HandleIncoming(msg signal.Message) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return c.signaler.Send(signal.Message{Type: signal.TypeCallDecline, CallID: msg.CallID, Reason: "busy"})
	}
	c.state = StateRinging
	c.callID = msg.CallID
	c.remoteUserID = msg.CallerID
	c.startTimerLocked(msg.CallID)
	c.mu.Unlock()

	if c.events.Incoming != nil {
		c.events.Incoming(msg.CallID, msg.CallerID, msg.CallerUsername)
	}
	return nil
}

// Accept answers the ringing call. The callee goes active right away but
// creates no link: the caller offers first, and the link is dialed when
// that offer arrives.
func (c *Coordinator) Accept() error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	c.stopTimerLocked()
	c.state = StateActive
	callID := c.callID
	remote := c.remoteUserID
	c.mu.Unlock()

	if err := c.signaler.Send(signal.Message{Type: signal.TypeCallAccept, CallID: callID}); err != nil {
		return err
	}
	if c.events.Started != nil {
		c.events.Started(callID, remote)
	}
	return nil
}

// Decline rejects the ringing call and resets to idle.
func (c *Coordinator) Decline() error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.callID
	c.mu.Unlock()

	c.reset(callID, EndReasonHangup, false)
	return c.signaler.Send(signal.Message{Type: signal.TypeCallDecline, CallID: callID})
}

// End hangs up the current call from calling or active state.
func (c *Coordinator) End() error {
	c.mu.Lock()
	if c.state != StateCalling && c.state != StateActive {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.callID
	c.mu.Unlock()

	c.reset(callID, EndReasonHangup, false)
	return c.signaler.Send(signal.Message{Type: signal.TypeCallEnd, CallID: callID})
}

// HandleAccept is the caller's confirmation: the callee picked up on the
// connection named by msg.PeerID. The caller dials the link, attaches its
// media and sends the first offer.
func (c *Coordinator) HandleAccept(msg signal.Message) error {
	c.mu.Lock()
	if c.state != StateCalling || msg.CallID != c.callID {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.state = StateActive
	c.remotePeerID = msg.PeerID
	callID := c.callID
	remote := c.remoteUserID
	stream := c.stream
	c.mu.Unlock()

	link, err := c.factory(msg.PeerID, remote)
	if err != nil {
		c.reset(callID, "link failed", true)
		return fmt.Errorf("dial callee: %w", err)
	}
	// The call may have ended while the factory ran; a superseded link is
	// closed, never installed.
	c.mu.Lock()
	if c.state != StateActive || c.callID != callID || c.link != nil {
		c.mu.Unlock()
		_ = link.Close()
		return nil
	}
	c.link = link
	c.mu.Unlock()

	if stream != nil {
		for _, t := range stream.Tracks() {
			if err := link.AttachTrack(t.Local); err != nil {
				c.reset(callID, "link failed", true)
				return fmt.Errorf("attach track: %w", err)
			}
		}
	}
	if err := link.Offer(); err != nil {
		c.reset(callID, "link failed", true)
		return fmt.Errorf("offer: %w", err)
	}

	if c.events.Started != nil {
		c.events.Started(callID, remote)
	}
	return nil
}

// HandleTerminal processes call_end, call_decline and call_unavailable
// from the remote side or the relay. Any of them for the current call id
// forces idle regardless of local state; stale call ids are ignored.
func (c *Coordinator) HandleTerminal(msg signal.Message) {
	c.mu.Lock()
	if c.state == StateIdle || msg.CallID != c.callID {
		c.mu.Unlock()
		return
	}
	callID := c.callID
	c.mu.Unlock()

	reason := msg.Reason
	if reason == "" {
		reason = string(msg.Type)
	}
	c.reset(callID, reason, true)
}

// HandlesPeer reports whether a forwarded negotiation message belongs to
// this call rather than the room mesh: either it comes from the call's
// known peer connection, or it is the first offer from the remote user of
// an active call whose link has not been dialed yet.
func (c *Coordinator) HandlesPeer(msg signal.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return false
	}
	if c.remotePeerID != "" && msg.PeerID == c.remotePeerID {
		return true
	}
	return c.state == StateActive && c.link == nil &&
		msg.Type == signal.TypeOffer && msg.UserID == c.remoteUserID
}

// HandleOffer applies the caller's offer on the callee side, dialing the
// link on first contact.
func (c *Coordinator) HandleOffer(msg signal.Message) error {
	if msg.SDP == nil {
		return fmt.Errorf("offer without sdp")
	}
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	link := c.link
	callID := c.callID
	remote := c.remoteUserID
	stream := c.stream
	c.mu.Unlock()

	if link == nil {
		var err error
		link, err = c.factory(msg.PeerID, remote)
		if err != nil {
			c.reset(callID, "link failed", true)
			return fmt.Errorf("dial caller: %w", err)
		}
		c.mu.Lock()
		if c.state != StateActive || c.callID != callID || c.link != nil {
			c.mu.Unlock()
			_ = link.Close()
			return nil
		}
		c.link = link
		c.remotePeerID = msg.PeerID
		c.mu.Unlock()

		if stream != nil {
			for _, t := range stream.Tracks() {
				if err := link.AttachTrack(t.Local); err != nil {
					c.reset(callID, "link failed", true)
					return fmt.Errorf("attach track: %w", err)
				}
			}
		}
	}
	return link.HandleOffer(*msg.SDP)
}

func (c *Coordinator) HandleAnswer(msg signal.Message) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil || msg.SDP == nil {
		return nil
	}
	return link.HandleAnswer(*msg.SDP)
}

func (c *Coordinator) HandleCandidate(msg signal.Message) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil || msg.Candidate == nil {
		return nil
	}
	return link.HandleCandidate(*msg.Candidate)
}

// HandleLinkDown reacts to the call's transport failing.
func (c *Coordinator) HandleLinkDown(remotePeerID string) {
	c.mu.Lock()
	if c.link == nil || c.remotePeerID != remotePeerID {
		c.mu.Unlock()
		return
	}
	callID := c.callID
	c.mu.Unlock()
	c.reset(callID, "connection lost", true)
}

// SetLocalMedia gives the call the stream to send once a link exists.
func (c *Coordinator) SetLocalMedia(stream *media.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
}

// SetMuted toggles the microphone flag on the local stream. Purely local,
// never a renegotiation.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		stream.SetAudioEnabled(!muted)
	}
}

// SetDeafened toggles local output muting. The playback layer reads the
// flag; negotiation is untouched.
func (c *Coordinator) SetDeafened(deafened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deafened = deafened
}

func (c *Coordinator) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deafened
}

// startTimerLocked arms the ring window. The callback checks the call id:
// a timer of a superseded call is a no-op.
func (c *Coordinator) startTimerLocked(callID string) {
	c.timer = c.afterFunc(c.ringTimeout, func() { c.handleTimeout(callID) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) handleTimeout(callID string) {
	c.mu.Lock()
	if c.callID != callID || (c.state != StateCalling && c.state != StateRinging) {
		c.mu.Unlock()
		return
	}
	timedOutState := c.state
	c.mu.Unlock()

	c.reset(callID, EndReasonTimeout, true)
	var msgType signal.Type
	if timedOutState == StateCalling {
		msgType = signal.TypeCallEnd
	} else {
		msgType = signal.TypeCallDecline
	}
	if err := c.signaler.Send(signal.Message{Type: msgType, CallID: callID, Reason: EndReasonTimeout}); err != nil {
		c.logger.Debug().Err(err).Str("call_id", callID).Msg("send ring timeout")
	}
}

// reset forces idle for the named call, closing any link. Safe to call
// with a stale id; only the current call is torn down.
func (c *Coordinator) reset(callID, reason string, emit bool) {
	c.mu.Lock()
	if c.callID != callID || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	link := c.link
	c.state = StateIdle
	c.callID = ""
	c.remoteUserID = ""
	c.remotePeerID = ""
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	if emit && c.events.Ended != nil {
		c.events.Ended(callID, reason)
	}
}
