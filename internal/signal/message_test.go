package signal

import (
	"encoding/json"
	"testing"
)

func TestParse_Join(t *testing.T) {
	msg := Message{Type: TypeJoin, Room: "voice-1", UserID: "u1", Username: "alice"}

	b, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != TypeJoin || got.Room != "voice-1" || got.UserID != "u1" {
		t.Fatalf("unexpected decoded join: %#v", got)
	}
}

func TestParse_Offer(t *testing.T) {
	raw := []byte(`{"type":"offer","target":"p2","sdp":{"type":"offer","sdp":"v=0"}}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Target != "p2" || got.SDP == nil || got.SDP.SDP != "v=0" {
		t.Fatalf("unexpected decoded offer: %#v", got)
	}
}

func TestParse_Candidate(t *testing.T) {
	raw := []byte(`{
		"type":"candidate",
		"target":"p2",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Candidate == nil || got.Candidate.Candidate == "" {
		t.Fatalf("unexpected decoded candidate: %#v", got)
	}
}

func TestParse_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"leave","room":"voice-1","unexpected":true}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_TrailingData(t *testing.T) {
	raw := []byte(`{"type":"leave","room":"voice-1"}{"type":"leave","room":"voice-1"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"join without room", Message{Type: TypeJoin}, false},
		{"offer without sdp", Message{Type: TypeOffer, Target: "p2"}, false},
		{"offer without target", Message{Type: TypeOffer, SDP: &SDP{Type: "offer", SDP: "v=0"}}, false},
		{"forwarded offer with peerId only", Message{Type: TypeOffer, PeerID: "p1", SDP: &SDP{Type: "offer", SDP: "v=0"}}, true},
		{"call_initiate without callId", Message{Type: TypeCallInitiate, TargetUserID: "u2"}, false},
		{"call_initiate", Message{Type: TypeCallInitiate, TargetUserID: "u2", CallID: "call_1"}, true},
		{"call_unavailable without reason", Message{Type: TypeCallUnavailable, CallID: "call_1"}, false},
		{"call_end", Message{Type: TypeCallEnd, CallID: "call_1"}, true},
		{"unknown type", Message{Type: Type("bogus")}, false},
		{"empty type", Message{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSDP_PionRoundTrip(t *testing.T) {
	s := SDP{Type: "answer", SDP: "v=0"}

	desc, err := s.ToPion()
	if err != nil {
		t.Fatalf("to pion: %v", err)
	}
	back := SDPFromPion(desc)
	if back != s {
		t.Fatalf("round trip mismatch: %#v != %#v", back, s)
	}

	if _, err := (SDP{Type: "rollback"}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
}

func TestMessage_OmitsEmptyFields(t *testing.T) {
	b, err := Message{Type: TypeLeave, Room: "voice-1"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("expected only type and room on the wire, got %v", raw)
	}
}
