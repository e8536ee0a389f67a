package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/auth"
	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/metrics"
	"github.com/parlorapp/parlor/internal/origin"
	"github.com/parlorapp/parlor/internal/ratelimit"
	"github.com/parlorapp/parlor/internal/turnrest"
)

// Server is the relay's HTTP surface: the signaling websocket plus health
// and metrics endpoints.
type Server struct {
	cfg      config.Relay
	hub      *Hub
	verifier auth.Verifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	// turn is nil when no TURN shared secret is configured; /ice then
	// advertises STUN only.
	turn *turnrest.Minter
}

func NewServer(cfg config.Relay, logger zerolog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	var turn *turnrest.Minter
	if cfg.TURNSharedSecret != "" {
		turn, err = turnrest.NewMinter(turnrest.MinterConfig{
			SharedSecret: cfg.TURNSharedSecret,
			TTL:          cfg.TURNCredentialTTL,
			Realm:        cfg.TURNRealm,
		})
		if err != nil {
			return nil, err
		}
	}

	m := metrics.New()
	return &Server{
		cfg:      cfg,
		hub:      NewHub(logger, m),
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		clock: ratelimit.RealClock{},
		turn:  turn,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/ice", s.handleICE)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.metrics.Snapshot())
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// handleICE hands an authenticated endpoint the ICE servers to dial with.
// TURN credentials are ephemeral; clients refetch when they expire.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(cred); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	var servers []iceServer
	if len(s.cfg.STUNURLs) > 0 {
		servers = append(servers, iceServer{URLs: s.cfg.STUNURLs})
	}
	if s.turn != nil {
		creds, err := s.turn.Mint(uuid.New().String())
		if err != nil {
			s.logger.Error().Err(err).Msg("minting turn credentials")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		servers = append(servers, iceServer{
			URLs:       s.cfg.TURNURLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]iceServer{"iceServers": servers})
}

// handleWS authenticates and registers one endpoint connection. Identity
// travels in query parameters so the relay can route calls to a user
// before that user joins any room.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, q)
	if err != nil {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(cred); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	userID := q.Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	username := q.Get("username")
	if username == "" {
		username = userID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	peerID := uuid.New().String()
	logger := s.logger.With().Str("peer_id", peerID).Str("user_id", userID).Logger()

	c := newClient(peerID, userID, username, conn, s.cfg, s.clock, logger)
	s.hub.addClient(c)
	logger.Info().Msg("endpoint connected")

	go c.writePump()
	go func() {
		c.readPump(s.hub, s.metrics)
		logger.Info().Msg("endpoint disconnected")
	}()
}

// originChecker admits native clients, which send no Origin header, and
// holds browsers to the allowlist, or to same-host when none is
// configured.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}
		normalized, host, ok := origin.Normalize(header)
		if !ok {
			return false
		}
		return origin.Allowed(normalized, host, r.Host, allowed)
	}
}
