package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/metrics"
	"github.com/parlorapp/parlor/internal/signal"
)

// Reasons carried on relay-originated call terminations.
const (
	ReasonOffline           = "offline"
	ReasonBusy              = "busy"
	ReasonDisconnected      = "disconnected"
	ReasonAnsweredElsewhere = "answered_elsewhere"
)

// Hub owns the routing tables: roomID -> connections, userID -> connections
// and peerID -> connection. All three are mutated only under mu; the call
// table carries its own lock. No lock is ever held across a send: each
// operation collects its recipients under the lock, releases it, then
// enqueues.
type Hub struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	rooms   map[string]map[*client]struct{}
	joined  map[*client]map[string]struct{}
	users   map[string]map[*client]struct{}
	peers   map[string]*client

	calls *callTable
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[*client]struct{}),
		joined:  make(map[*client]map[string]struct{}),
		users:   make(map[string]map[*client]struct{}),
		peers:   make(map[string]*client),
		calls:   newCallTable(),
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.peers[c.id] = c
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*client]struct{})
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.joined[c] = make(map[string]struct{})
	h.mu.Unlock()

	h.metrics.Inc(metrics.ConnectionsOpened)
}

// removeClient runs the full disconnect cleanup: the connection is removed
// from every table before any notification goes out, so no message can be
// routed to it on behalf of the old registration afterwards.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.peers[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, c.id)
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
	userOffline := len(h.users[c.userID]) == 0

	type broadcast struct {
		msg signal.Message
		to  []*client
	}
	var broadcasts []broadcast
	for room := range h.joined[c] {
		members := h.leaveRoomLocked(c, room)
		if len(members) > 0 {
			broadcasts = append(broadcasts, broadcast{
				msg: signal.Message{Type: signal.TypePeerLeft, Room: room, PeerID: c.id, UserID: c.userID},
				to:  members,
			})
		}
	}
	delete(h.joined, c)
	close(c.done)
	h.mu.Unlock()

	for _, b := range broadcasts {
		for _, m := range b.to {
			h.enqueue(m, b.msg)
		}
		h.metrics.Inc(metrics.RoomLeaves)
	}

	h.endCallsForDisconnect(c, userOffline)
	h.metrics.Inc(metrics.ConnectionsClosed)
}

// endCallsForDisconnect terminates calls the dropped connection was a bound
// party of, plus ringing calls toward a user whose last connection is gone.
func (h *Hub) endCallsForDisconnect(c *client, userOffline bool) {
	for _, call := range h.calls.involvingPeer(c.id) {
		if _, ok := h.calls.terminate(call.ID); !ok {
			continue
		}
		h.notifyOtherParty(c, call, signal.Message{
			Type:   signal.TypeCallEnd,
			CallID: call.ID,
			Reason: ReasonDisconnected,
		})
		h.metrics.Inc(metrics.CallsEnded)
	}

	if !userOffline {
		return
	}
	for _, call := range h.calls.ringingForCallee(c.userID) {
		if _, ok := h.calls.terminate(call.ID); !ok {
			continue
		}
		if caller := h.clientByPeerID(call.CallerPeerID); caller != nil {
			h.enqueue(caller, signal.Message{
				Type:   signal.TypeCallUnavailable,
				CallID: call.ID,
				Reason: ReasonOffline,
			})
		}
		h.metrics.Inc(metrics.CallsUnavailable)
	}
}

// handleMessage dispatches one parsed inbound message from a connection.
func (h *Hub) handleMessage(c *client, msg signal.Message) {
	switch msg.Type {
	case signal.TypeJoin:
		h.join(c, msg.Room)
	case signal.TypeLeave:
		h.leave(c, msg.Room)
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
		h.forward(c, msg)
	case signal.TypeCallInitiate:
		h.callInitiate(c, msg)
	case signal.TypeCallAccept:
		h.callAccept(c, msg)
	case signal.TypeCallDecline:
		h.callHangup(c, msg.CallID, signal.TypeCallDecline, metrics.CallsDeclined)
	case signal.TypeCallEnd:
		h.callHangup(c, msg.CallID, signal.TypeCallEnd, metrics.CallsEnded)
	default:
		h.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring client-bound message type")
	}
}

// join adds the connection to the room and announces it to every member
// that was already present. The joiner itself is told nothing: receiving
// peer_joined is what designates the existing members as initiators.
func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	if _, already := members[c]; already {
		h.mu.Unlock()
		return
	}
	recipients := make([]*client, 0, len(members))
	for m := range members {
		recipients = append(recipients, m)
	}
	members[c] = struct{}{}
	h.joined[c][room] = struct{}{}
	h.mu.Unlock()

	announce := signal.Message{
		Type:     signal.TypePeerJoined,
		Room:     room,
		PeerID:   c.id,
		UserID:   c.userID,
		Username: c.username,
	}
	for _, m := range recipients {
		h.enqueue(m, announce)
	}

	h.metrics.Inc(metrics.RoomJoins)
	c.logger.Debug().Str("room", room).Int("peers", len(recipients)).Msg("joined room")
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	members := h.leaveRoomLocked(c, room)
	delete(h.joined[c], room)
	h.mu.Unlock()

	if members == nil {
		return
	}
	left := signal.Message{Type: signal.TypePeerLeft, Room: room, PeerID: c.id, UserID: c.userID}
	for _, m := range members {
		h.enqueue(m, left)
	}
	h.metrics.Inc(metrics.RoomLeaves)
}

// leaveRoomLocked removes c from the room and returns the remaining members,
// or nil if c was not a member. Caller holds h.mu.
func (h *Hub) leaveRoomLocked(c *client, room string) []*client {
	members, ok := h.rooms[room]
	if !ok {
		return nil
	}
	if _, member := members[c]; !member {
		return nil
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		return []*client{}
	}
	remaining := make([]*client, 0, len(members))
	for m := range members {
		remaining = append(remaining, m)
	}
	return remaining
}

// forward routes an offer/answer/candidate verbatim to the connection that
// owns the target peer id, stamping the sender's identity. Unknown targets
// are dropped: the sending coordinator's own failure paths handle them.
func (h *Hub) forward(c *client, msg signal.Message) {
	target := h.clientByPeerID(msg.Target)
	if target == nil {
		h.metrics.Inc(metrics.DropReasonUnknownTarget)
		c.logger.Debug().Str("target", msg.Target).Str("type", string(msg.Type)).Msg("dropping message for unknown target")
		return
	}

	msg.Target = ""
	msg.PeerID = c.id
	msg.UserID = c.userID
	msg.Username = c.username
	h.enqueue(target, msg)
	h.metrics.Inc(metrics.MessagesRelayed)
}

func (h *Hub) callInitiate(c *client, msg signal.Message) {
	calleeConns := h.clientsByUserID(msg.TargetUserID)

	if len(calleeConns) == 0 {
		h.enqueue(c, signal.Message{
			Type:   signal.TypeCallUnavailable,
			CallID: msg.CallID,
			Reason: ReasonOffline,
		})
		h.metrics.Inc(metrics.CallsUnavailable)
		return
	}
	if h.calls.busy(msg.TargetUserID) {
		h.enqueue(c, signal.Message{
			Type:   signal.TypeCallUnavailable,
			CallID: msg.CallID,
			Reason: ReasonBusy,
		})
		h.metrics.Inc(metrics.CallsUnavailable)
		return
	}

	err := h.calls.create(Call{
		ID:           msg.CallID,
		CallerID:     c.userID,
		CalleeID:     msg.TargetUserID,
		CallerPeerID: c.id,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("call_id", msg.CallID).Msg("rejecting call initiate")
		h.enqueue(c, signal.Message{
			Type:   signal.TypeCallUnavailable,
			CallID: msg.CallID,
			Reason: ReasonBusy,
		})
		return
	}

	incoming := signal.Message{
		Type:           signal.TypeCallIncoming,
		CallID:         msg.CallID,
		CallerID:       c.userID,
		CallerUsername: c.username,
	}
	for _, conn := range calleeConns {
		h.enqueue(conn, incoming)
	}
	h.metrics.Inc(metrics.CallsInitiated)
}

func (h *Hub) callAccept(c *client, msg signal.Message) {
	if call, ok := h.calls.get(msg.CallID); !ok || call.CalleeID != c.userID {
		c.logger.Debug().Str("call_id", msg.CallID).Msg("ignoring accept for unknown or foreign call")
		return
	}

	call, err := h.calls.accept(msg.CallID, c.id)
	if err != nil {
		c.logger.Debug().Err(err).Str("call_id", msg.CallID).Msg("ignoring accept")
		return
	}

	// The caller needs the accepting connection's peer id: it is the side
	// that creates the peer link and sends the first offer.
	if caller := h.clientByPeerID(call.CallerPeerID); caller != nil {
		h.enqueue(caller, signal.Message{
			Type:   signal.TypeCallAccept,
			CallID: call.ID,
			PeerID: c.id,
			UserID: c.userID,
		})
	}

	// A user with several connections accepted on one of them: the others
	// are told to stop ringing.
	for _, conn := range h.clientsByUserID(call.CalleeID) {
		if conn != c {
			h.enqueue(conn, signal.Message{
				Type:   signal.TypeCallEnd,
				CallID: call.ID,
				Reason: ReasonAnsweredElsewhere,
			})
		}
	}
	h.metrics.Inc(metrics.CallsAccepted)
}

func (h *Hub) callHangup(c *client, callID string, msgType signal.Type, counter string) {
	call, ok := h.calls.get(callID)
	if !ok {
		return
	}
	if call.CallerID != c.userID && call.CalleeID != c.userID {
		c.logger.Debug().Str("call_id", callID).Msg("ignoring hangup for foreign call")
		return
	}
	if _, ok := h.calls.terminate(callID); !ok {
		return
	}
	h.notifyOtherParty(c, call, signal.Message{Type: msgType, CallID: callID})
	h.metrics.Inc(counter)
}

// notifyOtherParty delivers a call termination to whichever side of the
// call c is not. While the call is still ringing the callee has no bound
// connection, so every connection of the callee user is notified.
func (h *Hub) notifyOtherParty(c *client, call Call, msg signal.Message) {
	if call.CallerPeerID != c.id {
		if caller := h.clientByPeerID(call.CallerPeerID); caller != nil {
			h.enqueue(caller, msg)
		}
		return
	}
	if call.CalleePeerID != "" {
		if callee := h.clientByPeerID(call.CalleePeerID); callee != nil {
			h.enqueue(callee, msg)
		}
		return
	}
	for _, conn := range h.clientsByUserID(call.CalleeID) {
		h.enqueue(conn, msg)
	}
}

func (h *Hub) clientByPeerID(peerID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[peerID]
}

func (h *Hub) clientsByUserID(userID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*client, 0, len(h.users[userID]))
	for conn := range h.users[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// enqueue hands a message to the connection's writer without blocking.
// Removed clients are skipped: a broadcast may have snapshotted its
// recipients just before one of them disconnected. A full send buffer
// means the client stopped draining; dropping here is the relay's only
// backpressure.
func (h *Hub) enqueue(c *client, msg signal.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		h.metrics.Inc(metrics.DropReasonSendBufferFull)
		c.logger.Warn().Str("type", string(msg.Type)).Msg("send buffer full, dropping message")
	}
}
