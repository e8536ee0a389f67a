package client

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/call"
	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/media"
	"github.com/parlorapp/parlor/internal/mesh"
	"github.com/parlorapp/parlor/internal/signal"
)

type stubLocal struct {
	id string
}

func (s *stubLocal) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (s *stubLocal) Unbind(webrtc.TrackLocalContext) error { return nil }
func (s *stubLocal) ID() string                            { return s.id }
func (s *stubLocal) RID() string                           { return "" }
func (s *stubLocal) StreamID() string                      { return "s" }
func (s *stubLocal) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

type routeLink struct {
	remotePeerID string
	offersSDP    []signal.SDP
	answers      []signal.SDP
	candidates   []signal.Candidate
}

func (l *routeLink) RemotePeerID() string { return l.remotePeerID }
func (l *routeLink) RemoteUserID() string { return "" }
func (l *routeLink) Offer() error         { return nil }
func (l *routeLink) HandleOffer(sdp signal.SDP) error {
	l.offersSDP = append(l.offersSDP, sdp)
	return nil
}
func (l *routeLink) HandleAnswer(sdp signal.SDP) error {
	l.answers = append(l.answers, sdp)
	return nil
}
func (l *routeLink) HandleCandidate(c signal.Candidate) error {
	l.candidates = append(l.candidates, c)
	return nil
}
func (l *routeLink) AttachTrack(webrtc.TrackLocal) error { return nil }
func (l *routeLink) DetachTrack(string) error            { return nil }
func (l *routeLink) Close() error                        { return nil }

type routeHarness struct {
	engine    *Engine
	sent      []signal.Message
	callLinks map[string]*routeLink
	meshLinks map[string]*routeLink

	incoming []string
	ended    []string
	joined   []string
}

func newRouteHarness() *routeHarness {
	h := &routeHarness{
		callLinks: make(map[string]*routeLink),
		meshLinks: make(map[string]*routeLink),
	}
	e := &Engine{
		cfg:     config.Client{UserID: "u1", Username: "alice"},
		logger:  zerolog.Nop(),
		devices: media.NewDevices(),
	}
	e.events = Events{
		IncomingCall:      func(callID, _, _ string) { h.incoming = append(h.incoming, callID) },
		CallEnded:         func(callID, reason string) { h.ended = append(h.ended, callID+"/"+reason) },
		ParticipantJoined: func(p mesh.Participant) { h.joined = append(h.joined, p.UserID) },
	}
	e.send = func(msg signal.Message) error {
		h.sent = append(h.sent, msg)
		return nil
	}
	e.call = call.New(call.Config{
		Signaler: signalerFunc(e.send),
		Logger:   zerolog.Nop(),
		Factory: func(remotePeerID, remoteUserID string) (call.Link, error) {
			l := &routeLink{remotePeerID: remotePeerID}
			h.callLinks[remotePeerID] = l
			return l, nil
		},
		Events: call.Events{
			Incoming: e.events.IncomingCall,
			Ended:    e.events.CallEnded,
		},
		NewCallID: func() string { return "call_1" },
	})
	e.mesh = mesh.New(mesh.Config{
		Room:     "lounge",
		Signaler: signalerFunc(e.send),
		Policy:   mesh.InitiateAlways,
		Logger:   zerolog.Nop(),
		Factory: func(remotePeerID, remoteUserID string) (mesh.Link, error) {
			l := &routeLink{remotePeerID: remotePeerID}
			h.meshLinks[remotePeerID] = l
			return l, nil
		},
		Events: mesh.Events{ParticipantJoined: e.events.ParticipantJoined},
	})
	if err := e.mesh.Join(); err != nil {
		panic(err)
	}
	h.engine = e
	return h
}

func TestDispatch_PeerEventsGoToMesh(t *testing.T) {
	h := newRouteHarness()

	err := h.engine.dispatch(signal.Message{Type: signal.TypePeerJoined, PeerID: "p2", UserID: "u2", Username: "bob"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.joined) != 1 || h.joined[0] != "u2" {
		t.Fatalf("peer_joined not routed to mesh: %v", h.joined)
	}
	if h.meshLinks["p2"] == nil {
		t.Fatalf("mesh did not dial the newcomer")
	}
}

func TestDispatch_CallClaimsItsPeer(t *testing.T) {
	h := newRouteHarness()

	// Become the active caller toward peer p-callee.
	if _, err := h.engine.InitiateCall("u9"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	err := h.engine.dispatch(signal.Message{Type: signal.TypeCallAccept, CallID: "call_1", PeerID: "p-callee", UserID: "u9"})
	if err != nil {
		t.Fatalf("dispatch accept: %v", err)
	}

	sdp := signal.SDP{Type: "answer", SDP: "v=0"}
	if err := h.engine.dispatch(signal.Message{Type: signal.TypeAnswer, PeerID: "p-callee", UserID: "u9", SDP: &sdp}); err != nil {
		t.Fatalf("dispatch answer: %v", err)
	}
	if got := h.callLinks["p-callee"]; got == nil || len(got.answers) != 1 {
		t.Fatalf("answer not routed to the call link: %+v", got)
	}
	if h.meshLinks["p-callee"] != nil {
		t.Fatalf("call traffic leaked into the mesh")
	}
}

func TestDispatch_MeshTrafficBypassesCall(t *testing.T) {
	h := newRouteHarness()

	if _, err := h.engine.InitiateCall("u9"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.engine.dispatch(signal.Message{Type: signal.TypeCallAccept, CallID: "call_1", PeerID: "p-callee", UserID: "u9"}); err != nil {
		t.Fatalf("dispatch accept: %v", err)
	}

	sdp := signal.SDP{Type: "offer", SDP: "v=0"}
	if err := h.engine.dispatch(signal.Message{Type: signal.TypeOffer, PeerID: "p-room", UserID: "u3", SDP: &sdp}); err != nil {
		t.Fatalf("dispatch offer: %v", err)
	}
	if got := h.meshLinks["p-room"]; got == nil || len(got.offersSDP) != 1 {
		t.Fatalf("room offer not routed to mesh: %+v", got)
	}
}

func TestDispatch_IncomingAndTerminal(t *testing.T) {
	h := newRouteHarness()

	err := h.engine.dispatch(signal.Message{Type: signal.TypeCallIncoming, CallID: "call_9", CallerID: "u2", CallerUsername: "bob"})
	if err != nil {
		t.Fatalf("dispatch incoming: %v", err)
	}
	if len(h.incoming) != 1 || h.incoming[0] != "call_9" {
		t.Fatalf("incoming not surfaced: %v", h.incoming)
	}

	h.engine.dispatch(signal.Message{Type: signal.TypeCallEnd, CallID: "call_9", Reason: "hangup"})
	if len(h.ended) != 1 || h.ended[0] != "call_9/hangup" {
		t.Fatalf("terminal not surfaced: %v", h.ended)
	}
}

func TestDispatch_UnknownTypeIgnored(t *testing.T) {
	h := newRouteHarness()
	if err := h.engine.dispatch(signal.Message{Type: "gossip"}); err != nil {
		t.Fatalf("unknown type must be ignored: %v", err)
	}
}

// Leaving the previous room stops the device stream, so a room switch
// must reopen capture or the new room would share dead tracks.
func TestJoinVoiceChannel_SwitchReopensMedia(t *testing.T) {
	h := newRouteHarness()

	acquisitions := 0
	acquire := func() (*media.Stream, error) {
		acquisitions++
		return media.NewStream(media.NewTrack(&stubLocal{id: "mic"}, nil)), nil
	}
	if err := h.engine.SetLocalMedia(acquire); err != nil {
		t.Fatalf("set media: %v", err)
	}
	h.engine.SetMuted(true)

	if err := h.engine.JoinVoiceChannel("den"); err != nil {
		t.Fatalf("switch room: %v", err)
	}
	if acquisitions != 2 {
		t.Fatalf("capture opened %d times, want 2", acquisitions)
	}
	stream := h.engine.devices.Current()
	if stream == nil || len(stream.Tracks()) != 1 {
		t.Fatalf("no live capture after the switch")
	}
	if stream.AudioEnabled() {
		t.Fatalf("mute flag lost across the switch")
	}
}

func TestDispatch_NoMeshIsSafe(t *testing.T) {
	h := newRouteHarness()
	h.engine.mesh = nil

	if err := h.engine.dispatch(signal.Message{Type: signal.TypePeerJoined, PeerID: "p2", UserID: "u2"}); err != nil {
		t.Fatalf("dispatch without mesh: %v", err)
	}
	sdp := signal.SDP{Type: "offer", SDP: "v=0"}
	if err := h.engine.dispatch(signal.Message{Type: signal.TypeOffer, PeerID: "p2", UserID: "u2", SDP: &sdp}); err != nil {
		t.Fatalf("offer without mesh: %v", err)
	}
}
