// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest). The relay hands them to endpoints so
// calls still connect when both sides sit behind symmetric NATs, without
// ever sharing the long-lived TURN secret with clients.
//
// Algorithm:
//
//	username   = <unix_expiry>:<realm>:<peer_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Minter struct {
	secret []byte
	ttl    time.Duration
	realm  string
	now    func() time.Time
}

type MinterConfig struct {
	SharedSecret string
	TTL          time.Duration
	Realm        string

	// Now is swapped by tests for deterministic expiries.
	Now func() time.Time
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turn shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("turn credential ttl must be positive")
	}
	if cfg.Realm == "" || strings.ContainsRune(cfg.Realm, ':') {
		return nil, errors.New("turn realm is required and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		realm:  cfg.Realm,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Mint issues credentials bound to one endpoint connection. The peer id
// lands in the TURN username, which makes coturn logs attributable.
func (m *Minter) Mint(peerID string) (Credentials, error) {
	if peerID == "" || strings.ContainsRune(peerID, ':') {
		return Credentials{}, errors.New("peer id is required and must not contain ':'")
	}
	expiry := m.now().UTC().Add(m.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, m.realm, peerID)

	mac := hmac.New(sha1.New, m.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expiry,
	}, nil
}
