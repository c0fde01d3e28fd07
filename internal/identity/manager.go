// ABOUTME: Trust manager: signs outgoing envelopes and verifies incoming ones
// ABOUTME: Enforces the authorized set, the timestamp window, and nonce replay protection

package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-swarm/internal/dedupe"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
)

const (
	// DefaultWindow is how long a signed message stays valid and how long its
	// nonce is remembered.
	DefaultWindow = 5 * time.Minute

	// DefaultFutureSkew is how far ahead of local time a timestamp may be.
	DefaultFutureSkew = time.Minute

	// DefaultReplayEntries bounds the nonce cache.
	DefaultReplayEntries = 100000
)

var (
	ErrUnauthorized   = errors.New("sender not authorized")
	ErrStale          = errors.New("message timestamp outside replay window")
	ErrFuture         = errors.New("message timestamp in the future")
	ErrReplay         = errors.New("nonce already used")
	ErrBadSignature   = errors.New("signature verification failed")
	ErrNoPrivateKey   = errors.New("no private key for sender")
	ErrInvalidAgentID = errors.New("invalid agent id")
)

// Store is the persistence the manager needs: the key registry plus the
// audit log for rejected messages.
type Store interface {
	store.KeyRegistry
	store.AuditStore
}

// Manager owns local signing keys and the set of agents whose messages are
// accepted. It is safe for concurrent use.
type Manager struct {
	keyDir   string
	registry Store
	logger   *slog.Logger

	window     time.Duration
	futureSkew time.Duration
	now        func() time.Time
	replay     *dedupe.Cache
	ownReplay  bool

	mu         sync.RWMutex
	signers    map[string]ssh.Signer
	authorized map[string]ssh.PublicKey
	revoked    map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now for timestamp checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWindow sets the replay window.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithFutureSkew sets the allowed clock skew for future timestamps.
func WithFutureSkew(d time.Duration) Option {
	return func(m *Manager) { m.futureSkew = d }
}

// WithReplayCache injects the nonce store. The caller keeps ownership and
// must close it.
func WithReplayCache(c *dedupe.Cache) Option {
	return func(m *Manager) { m.replay = c }
}

// NewManager creates a manager storing private keys under keyDir.
func NewManager(keyDir string, st Store, opts ...Option) *Manager {
	m := &Manager{
		keyDir:     keyDir,
		registry:   st,
		window:     DefaultWindow,
		futureSkew: DefaultFutureSkew,
		now:        time.Now,
		signers:    make(map[string]ssh.Signer),
		authorized: make(map[string]ssh.PublicKey),
		revoked:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "identity")
	if m.replay == nil {
		m.replay = dedupe.New(m.window, DefaultReplayEntries, dedupe.WithClock(m.now))
		m.ownReplay = true
	}
	return m
}

// Close releases the replay cache when the manager created it.
func (m *Manager) Close() {
	if m.ownReplay {
		m.replay.Close()
	}
}

// Window returns the replay window.
func (m *Manager) Window() time.Duration {
	return m.window
}

// Refresh reloads the authorized set from the key registry. Keys that fail to
// parse are skipped and logged. Revoked agents stay revoked.
func (m *Manager) Refresh(ctx context.Context) error {
	keys, err := m.registry.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}

	next := make(map[string]ssh.PublicKey, len(keys))
	for _, k := range keys {
		pub, err := ParsePublicKey(k.PublicKey)
		if err != nil {
			m.logger.Warn("skipping unparseable registry key", "agent_id", k.AgentID, "error", err)
			continue
		}
		next[k.AgentID] = pub
	}

	m.mu.Lock()
	// Local identities stay trusted even if the registry lags.
	for id, s := range m.signers {
		next[id] = s.PublicKey()
	}
	for id := range m.revoked {
		delete(next, id)
	}
	m.authorized = next
	m.mu.Unlock()

	m.logger.Debug("authorized set refreshed", "count", len(next))
	return nil
}

// Authorize trusts agentID with the given authorized_keys line.
func (m *Manager) Authorize(agentID, publicKey string) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.authorized[agentID] = pub
	delete(m.revoked, agentID)
	m.mu.Unlock()
	return nil
}

// Revoke stops accepting messages from agentID.
func (m *Manager) Revoke(agentID string) {
	m.mu.Lock()
	delete(m.authorized, agentID)
	m.revoked[agentID] = true
	m.mu.Unlock()
	m.logger.Info("agent revoked", "agent_id", agentID)
}

// IsAuthorized reports whether agentID is in the authorized set.
func (m *Manager) IsAuthorized(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.authorized[agentID]
	return ok
}

// Sign signs msg with the private key of msg.From and stores the result in
// msg.Signature.
func (m *Manager) Sign(msg *envelope.Message) (string, error) {
	m.mu.RLock()
	signer, ok := m.signers[msg.From]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoPrivateKey, msg.From)
	}

	data, err := msg.Canonical()
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		return "", fmt.Errorf("signing message: %w", err)
	}

	msg.Signature = base64.StdEncoding.EncodeToString(ssh.Marshal(sig))
	return msg.Signature, nil
}

// Verify checks msg and returns nil when it is authentic and fresh. On success
// the (from, nonce) pair is recorded so any later copy is a replay. Every
// failure is audited.
func (m *Manager) Verify(ctx context.Context, msg *envelope.Message) error {
	err := m.verify(ctx, msg)
	if err != nil {
		m.audit(ctx, msg, err)
	}
	return err
}

func (m *Manager) verify(ctx context.Context, msg *envelope.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	pub, err := m.publicKey(ctx, msg.From)
	if err != nil {
		return err
	}

	age := m.now().Sub(msg.Timestamp)
	if age > m.window {
		return fmt.Errorf("%w: age %v exceeds %v", ErrStale, age.Round(time.Millisecond), m.window)
	}
	if age < -m.futureSkew {
		return fmt.Errorf("%w: %v ahead", ErrFuture, (-age).Round(time.Millisecond))
	}

	nonceKey := msg.From + ":" + msg.Nonce
	if m.replay.Check(nonceKey) {
		return fmt.Errorf("%w: %s from %s", ErrReplay, msg.Nonce, msg.From)
	}

	if err := checkSignature(pub, msg); err != nil {
		return err
	}

	// Concurrent duplicates can both pass Check; only one wins the mark.
	if m.replay.CheckAndMark(nonceKey) {
		return fmt.Errorf("%w: %s from %s", ErrReplay, msg.Nonce, msg.From)
	}
	return nil
}

// VerifyStored checks a message read back from the shared log. Authorization
// and the signature are enforced, but the freshness window and the nonce cache
// are not: catch-up legitimately replays old entries, and durable duplicate
// suppression comes from the processed-message set. Failures are audited.
func (m *Manager) VerifyStored(ctx context.Context, msg *envelope.Message) error {
	err := m.verifyStored(ctx, msg)
	if err != nil {
		m.audit(ctx, msg, err)
	}
	return err
}

func (m *Manager) verifyStored(ctx context.Context, msg *envelope.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	pub, err := m.publicKey(ctx, msg.From)
	if err != nil {
		return err
	}
	return checkSignature(pub, msg)
}

// publicKey returns the trusted key for agentID. An agent missing from the
// authorized set gets one registry lookup, so a sender that published after
// the last Refresh is accepted right away.
func (m *Manager) publicKey(ctx context.Context, agentID string) (ssh.PublicKey, error) {
	m.mu.RLock()
	pub, ok := m.authorized[agentID]
	revoked := m.revoked[agentID]
	m.mu.RUnlock()
	if ok {
		return pub, nil
	}
	if revoked {
		return nil, fmt.Errorf("%w: %s is revoked", ErrUnauthorized, agentID)
	}

	key, err := m.registry.GetKey(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnauthorized, agentID, err)
	}
	pub, err = ParsePublicKey(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnauthorized, agentID, err)
	}

	m.mu.Lock()
	if m.revoked[agentID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is revoked", ErrUnauthorized, agentID)
	}
	m.authorized[agentID] = pub
	m.mu.Unlock()

	m.logger.Info("authorized agent from registry", "agent_id", agentID, "fingerprint", key.Fingerprint)
	return pub, nil
}

func checkSignature(pub ssh.PublicKey, msg *envelope.Message) error {
	data, err := msg.Canonical()
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding: %v", ErrBadSignature, err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return fmt.Errorf("%w: invalid signature format: %v", ErrBadSignature, err)
	}
	if err := pub.Verify(data, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Reason maps a verification error to the short reason stored in the audit log.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrFuture):
		return "future"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, envelope.ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}

func (m *Manager) audit(ctx context.Context, msg *envelope.Message, verr error) {
	reason := Reason(verr)
	m.logger.Warn("rejected message",
		"agent_id", msg.From,
		"message_id", msg.ID,
		"to", msg.To,
		"type", msg.Type,
		"reason", reason,
		"error", verr,
	)

	entry := &store.AuthFailure{
		AgentID:   msg.From,
		Reason:    reason,
		MessageID: msg.ID,
		Detail: map[string]any{
			"to":        msg.To,
			"type":      msg.Type,
			"nonce":     msg.Nonce,
			"timestamp": msg.Timestamp.UTC().Format(time.RFC3339Nano),
			"error":     verr.Error(),
		},
	}
	if err := m.registry.AppendAuthFailure(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Error("failed to audit rejected message", "message_id", msg.ID, "error", err)
	}
}
