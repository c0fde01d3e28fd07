// ABOUTME: Agent identity creation: Ed25519 keypairs on disk and publication to the key registry
// ABOUTME: An identity is returned only after its key material exists and is published

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
)

// Identity is an agent's immutable description plus its public key.
type Identity struct {
	AgentID       string   `json:"agentId"`
	Role          string   `json:"role"`
	Capabilities  []string `json:"capabilities,omitempty"`
	TeamID        string   `json:"teamId,omitempty"`
	WorkspaceHint string   `json:"workspaceHint,omitempty"`
	PublicKey     string   `json:"publicKey"`
	Fingerprint   string   `json:"fingerprint"`
}

// Spec carries the fields needed to create an identity.
type Spec struct {
	AgentID       string
	Role          string
	Capabilities  []string
	TeamID        string
	WorkspaceHint string
}

// CreateIdentity generates (or reloads) the agent's keypair, publishes the
// public key, and authorizes the agent. It returns only once all of that has
// happened, so the identity can sign immediately.
func (m *Manager) CreateIdentity(ctx context.Context, spec Spec) (*Identity, error) {
	if err := ValidateAgentID(spec.AgentID); err != nil {
		return nil, err
	}

	signer, err := m.loadOrGenerate(spec.AgentID)
	if err != nil {
		return nil, err
	}

	pub := signer.PublicKey()
	id := &Identity{
		AgentID:       spec.AgentID,
		Role:          spec.Role,
		Capabilities:  append([]string(nil), spec.Capabilities...),
		TeamID:        spec.TeamID,
		WorkspaceHint: spec.WorkspaceHint,
		PublicKey:     MarshalPublicKey(pub),
		Fingerprint:   Fingerprint(pub),
	}

	err = m.registry.PublishKey(ctx, &store.AgentKey{
		AgentID:     id.AgentID,
		PublicKey:   id.PublicKey,
		Fingerprint: id.Fingerprint,
		Role:        id.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("publishing key for %s: %w", id.AgentID, err)
	}

	m.mu.Lock()
	m.signers[id.AgentID] = signer
	m.authorized[id.AgentID] = pub
	delete(m.revoked, id.AgentID)
	m.mu.Unlock()

	m.logger.Info("identity ready",
		"agent_id", id.AgentID,
		"role", id.Role,
		"fingerprint", id.Fingerprint,
	)
	return id, nil
}

// ValidateAgentID rejects ids that cannot name a key file or collide with the
// broadcast address.
func ValidateAgentID(agentID string) error {
	if agentID == "" || agentID == envelope.Broadcast || agentID == "." || agentID == ".." ||
		strings.ContainsAny(agentID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, agentID)
	}
	return nil
}

func (m *Manager) keyPath(agentID string) string {
	return filepath.Join(m.keyDir, agentID)
}

// loadOrGenerate reads the agent's private key, creating it when missing.
func (m *Manager) loadOrGenerate(agentID string) (ssh.Signer, error) {
	path := m.keyPath(agentID)

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing private key %s: %w", path, err)
		}
		m.logger.Debug("reloaded private key", "agent_id", agentID)
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	if err := os.MkdirAll(m.keyDir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, agentID)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		// Another process created it between our read and open.
		return m.loadOrGenerate(agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating private key file: %w", err)
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing private key file: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	pubLine := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(path+".pub", pubLine, 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	m.logger.Debug("generated keypair", "agent_id", agentID, "path", path)
	return signer, nil
}

// MarshalPublicKey returns the authorized_keys form without the trailing newline.
func MarshalPublicKey(pub ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

// ParsePublicKey parses an authorized_keys line.
func ParsePublicKey(line string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

// Fingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func Fingerprint(pub ssh.PublicKey) string {
	hash := sha256.Sum256(pub.Marshal())
	return hex.EncodeToString(hash[:])
}

// FingerprintString parses an authorized_keys line and returns its fingerprint.
func FingerprintString(line string) (string, error) {
	pub, err := ParsePublicKey(line)
	if err != nil {
		return "", err
	}
	return Fingerprint(pub), nil
}
