// Package mesh maintains the full mesh of peer links inside one voice
// room: one link per remote participant, created on join announcements and
// torn down on departure. The coordinator decides which side of each pair
// initiates and fans local media out to every link.
package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/media"
	"github.com/parlorapp/parlor/internal/signal"
)

// Link is the mesh's view of one peer connection. *peerlink.Link satisfies
// it; tests substitute fakes.
type Link interface {
	RemotePeerID() string
	RemoteUserID() string
	Offer() error
	HandleOffer(sdp signal.SDP) error
	HandleAnswer(sdp signal.SDP) error
	HandleCandidate(c signal.Candidate) error
	AttachTrack(track webrtc.TrackLocal) error
	DetachTrack(trackID string) error
	Close() error
}

// LinkFactory dials a new link toward a remote peer.
type LinkFactory func(remotePeerID, remoteUserID string) (Link, error)

// InitiatorPolicy decides whether the local side sends the first offer for
// a given pair. Exactly one side of every pair must return true.
type InitiatorPolicy func(localPeerID, remotePeerID string) bool

// InitiateAlways suits a relay that announces a newcomer only to the
// members already present: everyone who hears the announcement initiates,
// the newcomer never does, so the pair negotiates exactly once.
func InitiateAlways(string, string) bool { return true }

// InitiateLesser breaks the tie lexicographically for relays that announce
// a join to both sides.
func InitiateLesser(localPeerID, remotePeerID string) bool { return localPeerID < remotePeerID }

// Participant is a remote member of the room as the mesh sees it.
type Participant struct {
	UserID   string
	Username string
	PeerID   string
}

// Events are the coordinator's outbound notifications. Nil callbacks are
// skipped.
type Events struct {
	ParticipantJoined func(p Participant)
	ParticipantLeft   func(p Participant)
}

type Signaler interface {
	Send(msg signal.Message) error
}

type Config struct {
	LocalPeerID string
	Room        string
	Signaler    Signaler
	Factory     LinkFactory
	Policy      InitiatorPolicy
	Events      Events
	Logger      zerolog.Logger
}

// Coordinator owns all room state. Every method is safe for concurrent
// use; link I/O happens outside the coordinator lock.
type Coordinator struct {
	localPeerID string
	room        string
	signaler    Signaler
	factory     LinkFactory
	policy      InitiatorPolicy
	events      Events
	logger      zerolog.Logger

	mu           sync.Mutex
	joined       bool
	participants map[string]Participant // by user id
	links        map[string]Link        // by remote peer id
	stream       *media.Stream
}

func New(cfg Config) *Coordinator {
	policy := cfg.Policy
	if policy == nil {
		policy = InitiateAlways
	}
	return &Coordinator{
		localPeerID:  cfg.LocalPeerID,
		room:         cfg.Room,
		signaler:     cfg.Signaler,
		factory:      cfg.Factory,
		policy:       policy,
		events:       cfg.Events,
		logger:       cfg.Logger,
		participants: make(map[string]Participant),
		links:        make(map[string]Link),
	}
}

// Join announces this client to the room. Links are created lazily as the
// relay delivers peer_joined for existing members' offers or as
// announcements arrive.
func (c *Coordinator) Join() error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = true
	c.mu.Unlock()
	return c.signaler.Send(signal.Message{Type: signal.TypeJoin, Room: c.room})
}

// HandlePeerJoined reacts to a room announcement: record the participant
// and, when the initiator policy picks this side, dial a link and offer.
func (c *Coordinator) HandlePeerJoined(msg signal.Message) error {
	p := Participant{UserID: msg.UserID, Username: msg.Username, PeerID: msg.PeerID}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.links[p.PeerID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.participants[p.UserID] = p
	c.mu.Unlock()

	if c.events.ParticipantJoined != nil {
		c.events.ParticipantJoined(p)
	}

	if !c.policy(c.localPeerID, p.PeerID) {
		return nil
	}

	link, err := c.dial(p.PeerID, p.UserID)
	if err != nil {
		return err
	}
	if link == nil {
		return nil
	}
	if err := c.attachCurrentMedia(link); err != nil {
		c.dropPeer(p.PeerID, err)
		return err
	}
	if err := link.Offer(); err != nil {
		c.dropPeer(p.PeerID, err)
		return fmt.Errorf("offer to %s: %w", p.PeerID, err)
	}
	return nil
}

// HandleOffer routes a remote offer, dialing the link first when this side
// is the non-initiating half of the pair.
func (c *Coordinator) HandleOffer(msg signal.Message) error {
	c.mu.Lock()
	link, ok := c.links[msg.PeerID]
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return nil
	}

	if !ok {
		var err error
		link, err = c.dial(msg.PeerID, msg.UserID)
		if err != nil {
			return err
		}
		if link == nil {
			return nil
		}
		c.mu.Lock()
		if _, known := c.participants[msg.UserID]; !known && msg.UserID != "" {
			c.participants[msg.UserID] = Participant{UserID: msg.UserID, Username: msg.Username, PeerID: msg.PeerID}
		}
		c.mu.Unlock()
		if err := c.attachCurrentMedia(link); err != nil {
			c.dropPeer(msg.PeerID, err)
			return err
		}
	}

	if msg.SDP == nil {
		return fmt.Errorf("offer from %s without sdp", msg.PeerID)
	}
	if err := link.HandleOffer(*msg.SDP); err != nil {
		c.dropPeer(msg.PeerID, err)
		return err
	}
	return nil
}

// HandleAnswer completes a round on an existing link. Answers for unknown
// peers are dropped: the peer may have left between offer and answer.
func (c *Coordinator) HandleAnswer(msg signal.Message) error {
	c.mu.Lock()
	link, ok := c.links[msg.PeerID]
	c.mu.Unlock()
	if !ok || msg.SDP == nil {
		return nil
	}
	if err := link.HandleAnswer(*msg.SDP); err != nil {
		c.dropPeer(msg.PeerID, err)
		return err
	}
	return nil
}

// HandleCandidate forwards a trickled candidate; the link itself queues it
// when negotiation has not progressed far enough.
func (c *Coordinator) HandleCandidate(msg signal.Message) error {
	c.mu.Lock()
	link, ok := c.links[msg.PeerID]
	c.mu.Unlock()
	if !ok || msg.Candidate == nil {
		return nil
	}
	return link.HandleCandidate(*msg.Candidate)
}

// HandlePeerLeft tears down the departed peer's link and forgets the
// participant. Unknown peers are a no-op.
func (c *Coordinator) HandlePeerLeft(msg signal.Message) {
	c.removePeer(msg.PeerID)
}

// HandleLinkDown reacts to a transport failure reported by the link
// itself, equivalent to the peer leaving.
func (c *Coordinator) HandleLinkDown(remotePeerID string) {
	c.removePeer(remotePeerID)
}

// SetLocalMedia swaps the media stream fanned out to the mesh. Tracks of
// the previous stream are detached from every link first.
func (c *Coordinator) SetLocalMedia(stream *media.Stream) error {
	c.mu.Lock()
	previous := c.stream
	c.stream = stream
	links := c.snapshotLocked()
	c.mu.Unlock()

	var firstErr error
	for _, link := range links {
		if previous != nil {
			for _, t := range previous.Tracks() {
				if err := link.DetachTrack(t.ID()); err != nil {
					c.dropPeer(link.RemotePeerID(), err)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
			}
		}
		if stream == nil {
			continue
		}
		for _, t := range stream.Tracks() {
			if err := link.AttachTrack(t.Local); err != nil {
				c.dropPeer(link.RemotePeerID(), err)
				if firstErr == nil {
					firstErr = err
				}
				break
			}
		}
	}
	return firstErr
}

// AddTrack attaches one new local track, such as a screen share, to every
// link. A peer that fails renegotiation is dropped; the rest keep the
// track.
func (c *Coordinator) AddTrack(t *media.Track) error {
	c.mu.Lock()
	if c.stream != nil {
		c.stream.Add(t)
	}
	links := c.snapshotLocked()
	c.mu.Unlock()

	var firstErr error
	for _, link := range links {
		if err := link.AttachTrack(t.Local); err != nil {
			c.dropPeer(link.RemotePeerID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RemoveTrack detaches a local track from every link and stops it.
func (c *Coordinator) RemoveTrack(trackID string) error {
	c.mu.Lock()
	if c.stream != nil {
		c.stream.Remove(trackID)
	}
	links := c.snapshotLocked()
	c.mu.Unlock()

	var firstErr error
	for _, link := range links {
		if err := link.DetachTrack(trackID); err != nil {
			c.dropPeer(link.RemotePeerID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Participants returns a snapshot of the room's remote members.
func (c *Coordinator) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// Leave closes every link, stops local media and announces the departure.
// Idempotent; after it returns no links or participants remain.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	links := c.snapshotLocked()
	stream := c.stream
	c.stream = nil
	c.links = make(map[string]Link)
	c.participants = make(map[string]Participant)
	c.mu.Unlock()

	for _, link := range links {
		if err := link.Close(); err != nil {
			c.logger.Debug().Err(err).Str("remote_peer", link.RemotePeerID()).Msg("close link on leave")
		}
	}
	if stream != nil {
		stream.Stop()
	}
	return c.signaler.Send(signal.Message{Type: signal.TypeLeave, Room: c.room})
}

// dial constructs a link through the factory and installs it. The factory
// runs outside the lock, so the room may be left or the peer dialed by
// another goroutine in the meantime; a stale result is closed instead of
// installed, and a nil link tells the caller to stop.
func (c *Coordinator) dial(remotePeerID, remoteUserID string) (Link, error) {
	link, err := c.factory(remotePeerID, remoteUserID)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remotePeerID, err)
	}
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		_ = link.Close()
		return nil, nil
	}
	if existing, ok := c.links[remotePeerID]; ok {
		c.mu.Unlock()
		_ = link.Close()
		return existing, nil
	}
	c.links[remotePeerID] = link
	c.mu.Unlock()
	return link, nil
}

func (c *Coordinator) attachCurrentMedia(link Link) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	for _, t := range stream.Tracks() {
		if err := link.AttachTrack(t.Local); err != nil {
			return fmt.Errorf("attach track %s: %w", t.ID(), err)
		}
	}
	return nil
}

// dropPeer isolates a per-peer failure: that peer's link is closed and the
// participant removed while the rest of the mesh continues.
func (c *Coordinator) dropPeer(remotePeerID string, cause error) {
	c.logger.Warn().Err(cause).Str("remote_peer", remotePeerID).Msg("dropping peer after link error")
	c.removePeer(remotePeerID)
}

func (c *Coordinator) removePeer(remotePeerID string) {
	c.mu.Lock()
	link, hadLink := c.links[remotePeerID]
	delete(c.links, remotePeerID)
	var left *Participant
	for userID, p := range c.participants {
		if p.PeerID == remotePeerID {
			pp := p
			left = &pp
			delete(c.participants, userID)
			break
		}
	}
	c.mu.Unlock()

	if hadLink {
		_ = link.Close()
	}
	if left != nil && c.events.ParticipantLeft != nil {
		c.events.ParticipantLeft(*left)
	}
}

func (c *Coordinator) snapshotLocked() []Link {
	out := make([]Link, 0, len(c.links))
	for _, link := range c.links {
		out = append(out, link)
	}
	return out
}
