package relay

import (
	"errors"
	"sync"
)

type callStatus string

const (
	callRinging callStatus = "ringing"
	callActive  callStatus = "active"
)

// Call is the relay-side record of one private call, kept only for routing.
// CalleePeerID stays empty until the callee accepts on a specific
// connection.
type Call struct {
	ID           string
	CallerID     string
	CalleeID     string
	CallerPeerID string
	CalleePeerID string
	Status       callStatus
}

var (
	errCallExists     = errors.New("call id already in use")
	errCallNotFound   = errors.New("call not found")
	errCallNotRinging = errors.New("call is not ringing")
)

// callTable owns the callId -> Call map. It makes routing decisions only;
// the hub performs all sends after the table's lock is released.
type callTable struct {
	mu    sync.Mutex
	calls map[string]Call
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]Call)}
}

// busy reports whether any live call references userID as either party.
func (t *callTable) busy(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		if c.CallerID == userID || c.CalleeID == userID {
			return true
		}
	}
	return false
}

func (t *callTable) create(c Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[c.ID]; ok {
		return errCallExists
	}
	c.Status = callRinging
	t.calls[c.ID] = c
	return nil
}

// accept transitions ringing -> active and binds the accepting connection
// as the callee peer.
func (t *callTable) accept(callID, calleePeerID string) (Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return Call{}, errCallNotFound
	}
	if c.Status != callRinging {
		return Call{}, errCallNotRinging
	}
	c.Status = callActive
	c.CalleePeerID = calleePeerID
	t.calls[callID] = c
	return c, nil
}

// terminate deletes the record and returns it for notification fan-out.
func (t *callTable) terminate(callID string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return Call{}, false
	}
	delete(t.calls, callID)
	return c, true
}

// involvingPeer returns calls where the given connection is a bound party.
func (t *callTable) involvingPeer(peerID string) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if c.CallerPeerID == peerID || c.CalleePeerID == peerID {
			out = append(out, c)
		}
	}
	return out
}

// ringingForCallee returns calls still ringing toward the given user.
func (t *callTable) ringingForCallee(userID string) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if c.Status == callRinging && c.CalleeID == userID {
			out = append(out, c)
		}
	}
	return out
}

func (t *callTable) get(callID string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	return c, ok
}
