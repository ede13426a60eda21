package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyInfo = "authgw session cookie v1"
	// browsers drop cookies above 4096 bytes
	maxCookieBytes = 4096
)

// SessionManager seals sessions into an encrypted, authenticated cookie.
type SessionManager struct {
	name         string
	cookieDomain string
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	key          []byte
	logger       *slog.Logger
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) (*SessionManager, error) {
	key, err := deriveSessionKey(cfg.Session.Secret.Reveal())
	if err != nil {
		return nil, err
	}
	ttl := cfg.Session.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	name := cfg.Session.CookieName
	if name == "" {
		name = DefaultSessionCookieName
	}
	return &SessionManager{
		name:         name,
		cookieDomain: cfg.Session.CookieDomain,
		ttl:          ttl,
		secure:       cfg.SecureCookies(),
		sameSite:     cfg.Session.SameSiteMode(),
		key:          key,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func deriveSessionKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Load decodes the session cookie. Missing, tampered, foreign or expired
// cookies yield an anonymous session.
func (sm *SessionManager) Load(r *http.Request) *Session {
	cookie, err := r.Cookie(sm.name)
	if err != nil || cookie.Value == "" {
		return &Session{}
	}
	sess, err := sm.open(cookie.Value)
	if err != nil {
		sm.logger.Debug("Discarding session cookie", "reason", err.Error())
		return &Session{}
	}
	if !sm.now().Before(sess.ExpiresAt) {
		sm.logger.Debug("Discarding session cookie", "reason", "expired", "session_id", sess.ID)
		return &Session{}
	}
	return sess
}

// Save writes sess to the response. An empty session clears the cookie.
func (sm *SessionManager) Save(w http.ResponseWriter, sess *Session) error {
	if sess.Empty() {
		sm.Clear(w)
		return nil
	}

	now := sm.now()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.IssuedAt.IsZero() {
		sess.IssuedAt = now
	}
	sess.ExpiresAt = now.Add(sm.ttl)

	value, err := sm.seal(sess)
	if err != nil {
		return err
	}
	if len(value) > maxCookieBytes {
		sm.logger.Warn("Session cookie exceeds browser limit", "session_id", sess.ID, "bytes", len(value))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) seal(sess *Session) (string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: sm.key},
		&jose.EncrypterOptions{Compression: jose.DEFLATE},
	)
	if err != nil {
		return "", fmt.Errorf("session encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt session: %w", err)
	}
	return obj.CompactSerialize()
}

func (sm *SessionManager) open(value string) (*Session, error) {
	if err := checkSessionHeader(value); err != nil {
		return nil, err
	}
	obj, err := jose.ParseEncrypted(value)
	if err != nil {
		return nil, errors.New("malformed")
	}
	if obj.Header.Algorithm != string(jose.DIRECT) {
		return nil, errors.New("unexpected key algorithm")
	}
	payload, err := obj.Decrypt(sm.key)
	if err != nil {
		return nil, errors.New("decrypt failed")
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, errors.New("invalid payload")
	}
	return &sess, nil
}

// checkSessionHeader admits only the compact dir/A256GCM form produced by
// seal. It runs before the key is touched.
func checkSessionHeader(value string) error {
	parts := strings.Split(value, ".")
	if len(parts) != 5 {
		return errors.New("malformed")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return errors.New("malformed")
	}
	var hdr struct {
		Alg string `json:"alg"`
		Enc string `json:"enc"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return errors.New("malformed")
	}
	if hdr.Alg != string(jose.DIRECT) || hdr.Enc != string(jose.A256GCM) {
		return fmt.Errorf("unexpected algorithm %q/%q", hdr.Alg, hdr.Enc)
	}
	return nil
}
