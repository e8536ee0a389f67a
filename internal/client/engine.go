// Package client is the endpoint-side engine: it owns the websocket
// connection to the relay, dispatches inbound signaling into the mesh and
// call coordinators and exposes the actions a user interface drives. The
// engine never touches rendering or playback; it emits events and lets the
// presentation layer react.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/call"
	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/media"
	"github.com/parlorapp/parlor/internal/mesh"
	"github.com/parlorapp/parlor/internal/peerlink"
	"github.com/parlorapp/parlor/internal/signal"
)

const (
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
	pongTimeout     = 60 * time.Second
	latencyInterval = 2 * time.Second
)

// Events are the engine's notifications to the presentation layer. Nil
// callbacks are skipped. They fire on the engine's read goroutine; heavy
// work belongs on the consumer's side.
type Events struct {
	ParticipantJoined func(p mesh.Participant)
	ParticipantLeft   func(p mesh.Participant)
	RemoteTrack       func(remotePeerID string, track *webrtc.TrackRemote)
	IncomingCall      func(callID, callerID, callerUsername string)
	CallStarted       func(callID, remoteUserID string)
	CallEnded         func(callID, reason string)

	// Latency reports a peer's round-trip time; ok is false while no
	// measurement is available.
	Latency func(remotePeerID string, rtt time.Duration, ok bool)

	Disconnected func(err error)
}

type Engine struct {
	cfg     config.Client
	logger  zerolog.Logger
	events  Events
	api     *webrtc.API
	devices *media.Devices
	call    *call.Coordinator

	conn    *websocket.Conn
	writeMu sync.Mutex

	// send is the outbound path used by coordinators and links; tests
	// replace it to observe traffic without a live relay.
	send func(msg signal.Message) error

	mu       sync.Mutex
	mesh     *mesh.Coordinator
	acquire  media.Acquirer
	deafened bool
	closed   bool
}

// Dial connects to the relay and starts the engine's loops.
func Dial(ctx context.Context, cfg config.Client, events Events, logger zerolog.Logger) (*Engine, error) {
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("userId", cfg.UserID)
	q.Set("username", cfg.Username)
	if cfg.Credential != "" {
		// The relay reads one of the two depending on its auth mode.
		q.Set("apiKey", cfg.Credential)
		q.Set("token", cfg.Credential)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	api, err := peerlink.NewAPI(logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		events:  events,
		api:     api,
		devices: media.NewDevices(),
		conn:    conn,
	}
	e.send = e.writeMessage
	e.call = call.New(call.Config{
		Signaler:    signalerFunc(func(msg signal.Message) error { return e.send(msg) }),
		Factory:     e.dialCallLink,
		RingTimeout: cfg.RingTimeout,
		Logger:      logger.With().Str("component", "call").Logger(),
		Events: call.Events{
			Incoming: events.IncomingCall,
			Started:  events.CallStarted,
			Ended:    events.CallEnded,
		},
	})

	go e.readLoop()
	go e.pingLoop()
	return e, nil
}

type signalerFunc func(msg signal.Message) error

func (f signalerFunc) Send(msg signal.Message) error { return f(msg) }

func (e *Engine) writeMessage(msg signal.Message) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return e.conn.WriteJSON(msg)
}

func (e *Engine) readLoop() {
	_ = e.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.handleDisconnect(err)
			return
		}
		msg, err := signal.Parse(data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed relay message")
			continue
		}
		if err := e.dispatch(msg); err != nil {
			e.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("signaling handler failed")
		}
	}
}

func (e *Engine) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		e.writeMu.Lock()
		err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		e.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// dispatch routes one inbound envelope. Negotiation traffic goes to the
// call coordinator when it claims the sending peer, otherwise to the room
// mesh; everything else is routed by type.
func (e *Engine) dispatch(msg signal.Message) error {
	switch msg.Type {
	case signal.TypePeerJoined:
		if m := e.currentMesh(); m != nil {
			return m.HandlePeerJoined(msg)
		}
	case signal.TypePeerLeft:
		if m := e.currentMesh(); m != nil {
			m.HandlePeerLeft(msg)
		}
	case signal.TypeOffer:
		if e.call.HandlesPeer(msg) {
			return e.call.HandleOffer(msg)
		}
		if m := e.currentMesh(); m != nil {
			return m.HandleOffer(msg)
		}
	case signal.TypeAnswer:
		if e.call.HandlesPeer(msg) {
			return e.call.HandleAnswer(msg)
		}
		if m := e.currentMesh(); m != nil {
			return m.HandleAnswer(msg)
		}
	case signal.TypeCandidate:
		if e.call.HandlesPeer(msg) {
			return e.call.HandleCandidate(msg)
		}
		if m := e.currentMesh(); m != nil {
			return m.HandleCandidate(msg)
		}
	case signal.TypeCallIncoming:
		return e.call.HandleIncoming(msg)
	case signal.TypeCallAccept:
		return e.call.HandleAccept(msg)
	case signal.TypeCallEnd, signal.TypeCallDecline, signal.TypeCallUnavailable:
		e.call.HandleTerminal(msg)
	default:
		e.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected relay message")
	}
	return nil
}

func (e *Engine) currentMesh() *mesh.Coordinator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mesh
}

// JoinVoiceChannel enters a room, leaving the previous one first. The
// relay announces this client only to members already present, so they
// initiate and this side answers.
func (e *Engine) JoinVoiceChannel(room string) error {
	e.mu.Lock()
	previous := e.mesh
	acquire := e.acquire
	m := mesh.New(mesh.Config{
		Room:     room,
		Signaler: signalerFunc(func(msg signal.Message) error { return e.send(msg) }),
		Factory:  e.dialMeshLink,
		Policy:   mesh.InitiateAlways,
		Logger:   e.logger.With().Str("component", "mesh").Str("room", room).Logger(),
		Events: mesh.Events{
			ParticipantJoined: e.events.ParticipantJoined,
			ParticipantLeft:   e.events.ParticipantLeft,
		},
	})
	e.mesh = m
	e.mu.Unlock()

	if previous != nil {
		if err := previous.Leave(); err != nil {
			e.logger.Warn().Err(err).Msg("leaving previous room")
		}
		// Leaving the old room stopped the capture tracks. Reopen the
		// devices so the new room gets live media, keeping the mute flag.
		if acquire != nil {
			enabled := true
			if old := e.devices.Current(); old != nil {
				enabled = old.AudioEnabled()
			}
			stream, err := e.devices.Acquire(acquire)
			if err != nil {
				return err
			}
			stream.SetAudioEnabled(enabled)
			e.call.SetLocalMedia(stream)
		}
	}
	if stream := e.devices.Current(); stream != nil {
		if err := m.SetLocalMedia(stream); err != nil {
			return err
		}
	}
	return m.Join()
}

// LeaveVoiceChannel leaves the current room. No-op when not in one.
func (e *Engine) LeaveVoiceChannel() error {
	e.mu.Lock()
	m := e.mesh
	e.mesh = nil
	e.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Leave()
}

// SetLocalMedia acquires a fresh device stream, stopping any previous one,
// and fans it out to the room and the active call.
func (e *Engine) SetLocalMedia(acquire media.Acquirer) error {
	stream, err := e.devices.Acquire(acquire)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.acquire = acquire
	e.mu.Unlock()
	e.call.SetLocalMedia(stream)
	if m := e.currentMesh(); m != nil {
		return m.SetLocalMedia(stream)
	}
	return nil
}

// AddTrack shares one additional track, such as a screen capture, with the
// room.
func (e *Engine) AddTrack(t *media.Track) error {
	m := e.currentMesh()
	if m == nil {
		return fmt.Errorf("not in a voice channel")
	}
	return m.AddTrack(t)
}

// RemoveTrack withdraws a shared track from the room and stops it.
func (e *Engine) RemoveTrack(trackID string) error {
	m := e.currentMesh()
	if m == nil {
		return fmt.Errorf("not in a voice channel")
	}
	return m.RemoveTrack(trackID)
}

func (e *Engine) InitiateCall(targetUserID string) (string, error) {
	return e.call.Initiate(targetUserID)
}

func (e *Engine) AcceptCall() error  { return e.call.Accept() }
func (e *Engine) DeclineCall() error { return e.call.Decline() }
func (e *Engine) EndCall() error     { return e.call.End() }

// SetMuted toggles the microphone without renegotiating.
func (e *Engine) SetMuted(muted bool) {
	if stream := e.devices.Current(); stream != nil {
		stream.SetAudioEnabled(!muted)
	}
}

// SetDeafened toggles local output muting; the playback layer reads the
// flag.
func (e *Engine) SetDeafened(deafened bool) {
	e.mu.Lock()
	e.deafened = deafened
	e.mu.Unlock()
	e.call.SetDeafened(deafened)
}

func (e *Engine) Deafened() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deafened
}

// Close tears the engine down: the room is left, any call ended and the
// websocket closed. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	m := e.mesh
	e.mesh = nil
	e.mu.Unlock()

	if m != nil {
		if err := m.Leave(); err != nil {
			e.logger.Debug().Err(err).Msg("leave on close")
		}
	}
	if err := e.call.End(); err != nil && err != call.ErrNoCall {
		e.logger.Debug().Err(err).Msg("end call on close")
	}
	e.devices.Release()

	e.writeMu.Lock()
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	e.writeMu.Unlock()
	return e.conn.Close()
}

func (e *Engine) handleDisconnect(err error) {
	e.mu.Lock()
	wasClosed := e.closed
	e.mu.Unlock()
	if !wasClosed && e.events.Disconnected != nil {
		e.events.Disconnected(err)
	}
	_ = e.Close()
}

func (e *Engine) dialMeshLink(remotePeerID, remoteUserID string) (mesh.Link, error) {
	link, err := e.dialLink(remotePeerID, remoteUserID, func(l *peerlink.Link) {
		if m := e.currentMesh(); m != nil {
			m.HandleLinkDown(l.RemotePeerID())
		}
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (e *Engine) dialCallLink(remotePeerID, remoteUserID string) (call.Link, error) {
	link, err := e.dialLink(remotePeerID, remoteUserID, func(l *peerlink.Link) {
		e.call.HandleLinkDown(l.RemotePeerID())
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (e *Engine) dialLink(remotePeerID, remoteUserID string, onDown func(*peerlink.Link)) (*peerlink.Link, error) {
	var iceServers []webrtc.ICEServer
	if len(e.cfg.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: e.cfg.STUNServers}}
	}
	link, err := peerlink.Dial(peerlink.DialConfig{
		API:           e.api,
		ICEServers:    iceServers,
		RemotePeerID:  remotePeerID,
		RemoteUserID:  remoteUserID,
		Signaler:      signalerFunc(func(msg signal.Message) error { return e.send(msg) }),
		Logger:        e.logger.With().Str("component", "peerlink").Str("remote_peer", remotePeerID).Logger(),
		OnDown:        onDown,
		OnRemoteTrack: e.events.RemoteTrack,
	})
	if err != nil {
		return nil, err
	}
	e.startProbe(link)
	return link, nil
}

// startProbe samples the link's round-trip time until the link closes. The
// probe notices closure on its next tick and stops itself.
func (e *Engine) startProbe(link *peerlink.Link) {
	if e.events.Latency == nil {
		return
	}
	var probe *peerlink.Probe
	probe = peerlink.NewProbe(link, latencyInterval, func(rtt time.Duration, ok bool) {
		if link.State() == peerlink.StateClosed {
			probe.Stop()
			return
		}
		e.events.Latency(link.RemotePeerID(), rtt, ok)
	})
	go probe.Run()
}
