package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Type discriminates the signaling message variants exchanged between
// endpoints and the relay. The set is closed; unknown types are rejected
// at parse time.
type Type string

const (
	TypeJoin            Type = "join"
	TypeLeave           Type = "leave"
	TypePeerJoined      Type = "peer_joined"
	TypePeerLeft        Type = "peer_left"
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeCandidate       Type = "candidate"
	TypeCallInitiate    Type = "call_initiate"
	TypeCallIncoming    Type = "call_incoming"
	TypeCallAccept      Type = "call_accept"
	TypeCallDecline     Type = "call_decline"
	TypeCallEnd         Type = "call_end"
	TypeCallUnavailable Type = "call_unavailable"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the single envelope carried over the signaling websocket.
// Only the fields relevant to a given Type are populated; Validate
// enforces the per-type requirements.
//
// PeerID/UserID/Username describe the subject of room membership events
// and, on forwarded offer/answer/candidate messages, are stamped by the
// relay with the sender's identity. Target addresses a specific remote
// peer id for forwarded messages.
type Message struct {
	Type Type `json:"type"`

	Room     string `json:"room,omitempty"`
	PeerID   string `json:"peerId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`

	Target    string     `json:"target,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	CallID         string `json:"callId,omitempty"`
	TargetUserID   string `json:"targetUserId,omitempty"`
	CallerID       string `json:"callerId,omitempty"`
	CallerUsername string `json:"callerUsername,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes and validates a single signaling message. Unknown fields
// and trailing data are rejected so a malformed or truncated frame never
// reaches the coordinators.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join requires room")
		}
	case TypeLeave:
		if m.Room == "" {
			return fmt.Errorf("leave requires room")
		}
	case TypePeerJoined:
		if m.PeerID == "" || m.UserID == "" {
			return fmt.Errorf("peer_joined requires peerId and userId")
		}
	case TypePeerLeft:
		if m.UserID == "" {
			return fmt.Errorf("peer_left requires userId")
		}
	case TypeOffer, TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s requires sdp", m.Type)
		}
		if m.Target == "" && m.PeerID == "" {
			return fmt.Errorf("%s requires target or peerId", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate requires candidate payload")
		}
		if m.Target == "" && m.PeerID == "" {
			return fmt.Errorf("candidate requires target or peerId")
		}
	case TypeCallInitiate:
		if m.TargetUserID == "" || m.CallID == "" {
			return fmt.Errorf("call_initiate requires targetUserId and callId")
		}
	case TypeCallIncoming:
		if m.CallID == "" || m.CallerID == "" {
			return fmt.Errorf("call_incoming requires callId and callerId")
		}
	case TypeCallAccept, TypeCallDecline, TypeCallEnd:
		if m.CallID == "" {
			return fmt.Errorf("%s requires callId", m.Type)
		}
	case TypeCallUnavailable:
		if m.CallID == "" || m.Reason == "" {
			return fmt.Errorf("call_unavailable requires callId and reason")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
