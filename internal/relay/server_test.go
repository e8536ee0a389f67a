package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/auth"
	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/signal"
)

func testRelayConfig() config.Relay {
	return config.Relay{
		AuthMode:             auth.ModeNone,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 0, // unlimited in tests
		WriteTimeout:         time.Second,
		PongTimeout:          10 * time.Second,
	}
}

func startTestServer(t *testing.T, cfg config.Relay) *httptest.Server {
	t.Helper()
	srv, err := NewServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) signal.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := signal.Parse(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg signal.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_RequiresUserID(t *testing.T) {
	ts := startTestServer(t, testRelayConfig())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestServer_APIKeyAuth(t *testing.T) {
	cfg := testRelayConfig()
	cfg.AuthMode = auth.ModeAPIKey
	cfg.APIKey = "s3cret"
	ts := startTestServer(t, cfg)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?userId=u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure without key")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	dialWS(t, ts, "userId=u1&apiKey=s3cret")
}

func TestServer_Healthz(t *testing.T) {
	ts := startTestServer(t, testRelayConfig())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

// End-to-end negotiation relay: A was already in the room, so A receives
// peer_joined for B and initiates; B answers back through the relay.
func TestServer_OfferAnswerRoundTrip(t *testing.T) {
	ts := startTestServer(t, testRelayConfig())

	connA := dialWS(t, ts, "userId=A&username=alice")
	connB := dialWS(t, ts, "userId=B&username=bob")

	writeMessage(t, connA, signal.Message{Type: signal.TypeJoin, Room: "voice-1"})
	// Give the relay a moment to register A's membership before B joins.
	time.Sleep(50 * time.Millisecond)
	writeMessage(t, connB, signal.Message{Type: signal.TypeJoin, Room: "voice-1"})

	joined := readMessage(t, connA)
	if joined.Type != signal.TypePeerJoined || joined.UserID != "B" || joined.Username != "bob" {
		t.Fatalf("unexpected announcement: %+v", joined)
	}

	writeMessage(t, connA, signal.Message{
		Type:   signal.TypeOffer,
		Target: joined.PeerID,
		SDP:    &signal.SDP{Type: "offer", SDP: "v=0 offer"},
	})

	offer := readMessage(t, connB)
	if offer.Type != signal.TypeOffer || offer.UserID != "A" || offer.PeerID == "" {
		t.Fatalf("unexpected forwarded offer: %+v", offer)
	}

	writeMessage(t, connB, signal.Message{
		Type:   signal.TypeAnswer,
		Target: offer.PeerID,
		SDP:    &signal.SDP{Type: "answer", SDP: "v=0 answer"},
	})

	answer := readMessage(t, connA)
	if answer.Type != signal.TypeAnswer || answer.UserID != "B" || answer.SDP.SDP != "v=0 answer" {
		t.Fatalf("unexpected forwarded answer: %+v", answer)
	}
}

func TestServer_ICEServersWithTURN(t *testing.T) {
	cfg := testRelayConfig()
	cfg.STUNURLs = []string{"stun:stun.example.com:3478"}
	cfg.TURNURLs = []string{"turn:turn.example.com:3478"}
	cfg.TURNSharedSecret = "turn-secret"
	cfg.TURNCredentialTTL = time.Hour
	cfg.TURNRealm = "parlor"
	ts := startTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []iceServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("expected stun + turn entries, got %+v", body.ICEServers)
	}
	turn := body.ICEServers[1]
	if turn.URLs[0] != "turn:turn.example.com:3478" || turn.Username == "" || turn.Credential == "" {
		t.Fatalf("turn entry missing credentials: %+v", turn)
	}
	if !strings.Contains(turn.Username, ":parlor:") {
		t.Fatalf("turn username not in rest format: %q", turn.Username)
	}
}

func TestServer_ICERequiresCredentials(t *testing.T) {
	cfg := testRelayConfig()
	cfg.AuthMode = auth.ModeAPIKey
	cfg.APIKey = "s3cret"
	ts := startTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/ice?apiKey=s3cret")
	if err != nil {
		t.Fatalf("get with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_DisconnectBroadcastsPeerLeft(t *testing.T) {
	ts := startTestServer(t, testRelayConfig())

	connA := dialWS(t, ts, "userId=A")
	connB := dialWS(t, ts, "userId=B")

	writeMessage(t, connA, signal.Message{Type: signal.TypeJoin, Room: "voice-1"})
	time.Sleep(50 * time.Millisecond)
	writeMessage(t, connB, signal.Message{Type: signal.TypeJoin, Room: "voice-1"})
	readMessage(t, connA) // peer_joined for B

	connB.Close()

	left := readMessage(t, connA)
	if left.Type != signal.TypePeerLeft || left.UserID != "B" {
		t.Fatalf("expected peer_left for B, got %+v", left)
	}
}
