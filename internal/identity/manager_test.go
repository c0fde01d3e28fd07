// ABOUTME: Tests for identity creation, signing, and verification
// ABOUTME: Covers round trips, single-bit tampering, replay rejection, window expiry, and auditing

package identity

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/dedupe"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	mgr   *Manager
	store *store.SQLiteStore
	clock *fakeClock
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	cache := dedupe.New(DefaultWindow, 1000, dedupe.WithClock(clock.Now), dedupe.WithSweepInterval(0))
	t.Cleanup(cache.Close)

	mgr := NewManager(filepath.Join(dir, "keys"), st, WithClock(clock.Now), WithReplayCache(cache))
	t.Cleanup(mgr.Close)
	return &harness{mgr: mgr, store: st, clock: clock, dir: dir}
}

func (h *harness) identity(t *testing.T, agentID string) *Identity {
	t.Helper()
	id, err := h.mgr.CreateIdentity(context.Background(), Spec{AgentID: agentID, Role: "worker"})
	require.NoError(t, err)
	return id
}

func (h *harness) signed(t *testing.T, from, to, content string) *envelope.Message {
	t.Helper()
	msg := envelope.New(from, to, envelope.TypeMessage, content)
	msg.Timestamp = h.clock.Now()
	require.NoError(t, msg.SetData(map[string]any{"priority": 2, "tags": []string{"x"}}))
	_, err := h.mgr.Sign(msg)
	require.NoError(t, err)
	return msg
}

func TestCreateIdentity_WritesKeysAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.identity(t, "backend-1")
	assert.Contains(t, id.PublicKey, "ssh-ed25519 ")
	assert.Len(t, id.Fingerprint, 64)

	info, err := os.Stat(filepath.Join(h.dir, "keys", "backend-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(h.dir, "keys"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	key, err := h.store.GetKey(ctx, "backend-1")
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, key.PublicKey)
	assert.True(t, h.mgr.IsAuthorized("backend-1"))
}

func TestCreateIdentity_ReloadsExistingKey(t *testing.T) {
	h := newHarness(t)
	first := h.identity(t, "backend-1")

	other := NewManager(filepath.Join(h.dir, "keys"), h.store)
	defer other.Close()
	second, err := other.CreateIdentity(context.Background(), Spec{AgentID: "backend-1"})
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestCreateIdentity_ConflictingKeyRejected(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "backend-1")

	// A different key directory means a freshly generated, different key.
	other := NewManager(filepath.Join(t.TempDir(), "keys"), h.store)
	defer other.Close()
	_, err := other.CreateIdentity(context.Background(), Spec{AgentID: "backend-1"})
	assert.ErrorIs(t, err, store.ErrKeyConflict)
}

func TestCreateIdentity_InvalidID(t *testing.T) {
	h := newHarness(t)
	for _, bad := range []string{"", "all", "../etc", "a/b"} {
		_, err := h.mgr.CreateIdentity(context.Background(), Spec{AgentID: bad})
		assert.ErrorIs(t, err, ErrInvalidAgentID, "id %q", bad)
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	h.identity(t, "bob")

	msg := h.signed(t, "alice", "bob", "hello")
	assert.NoError(t, h.mgr.Verify(context.Background(), msg))
}

func TestVerify_SingleBitMutationFails(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	ctx := context.Background()

	t.Run("content", func(t *testing.T) {
		msg := h.signed(t, "alice", "bob", "hello")
		b := []byte(msg.Content)
		b[0] ^= 0x01
		msg.Content = string(b)
		assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrBadSignature)
	})

	t.Run("signature", func(t *testing.T) {
		msg := h.signed(t, "alice", "bob", "hello")
		raw, err := base64.StdEncoding.DecodeString(msg.Signature)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		msg.Signature = base64.StdEncoding.EncodeToString(raw)
		assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrBadSignature)
	})

	t.Run("recipient", func(t *testing.T) {
		msg := h.signed(t, "alice", "bob", "hello")
		msg.To = "boc"
		assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrBadSignature)
	})

	t.Run("flip that breaks UTF-8", func(t *testing.T) {
		msg := h.signed(t, "alice", "bob", "caf\u00e9")
		b := []byte(msg.Content)
		b[len(b)-1] ^= 0x40
		msg.Content = string(b)
		err := h.mgr.Verify(ctx, msg)
		require.Error(t, err)
		assert.ErrorIs(t, err, envelope.ErrMalformed)
	})

	t.Run("invalid UTF-8 cannot be signed", func(t *testing.T) {
		msg := envelope.New("alice", "bob", envelope.TypeMessage, "x\xff")
		_, err := h.mgr.Sign(msg)
		assert.ErrorIs(t, err, envelope.ErrMalformed)
	})

	t.Run("delivery fields are not signed", func(t *testing.T) {
		msg := h.signed(t, "alice", "bob", "hello")
		now := time.Now()
		msg.Delivered = true
		msg.DeliveredAt = &now
		assert.NoError(t, h.mgr.Verify(ctx, msg))
	})
}

func TestVerify_ReplayRejectedThenReusableAfterWindow(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	ctx := context.Background()

	msg := h.signed(t, "alice", "bob", "hello")
	require.NoError(t, h.mgr.Verify(ctx, msg))
	assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrReplay)

	h.clock.Advance(DefaultWindow + time.Second)

	// The original copy is now too old regardless of its signature.
	assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrStale)

	// A fresh message reusing the nonce is accepted once the window has passed.
	again := envelope.New("alice", "bob", envelope.TypeMessage, "hello again")
	again.Nonce = msg.Nonce
	again.Timestamp = h.clock.Now()
	_, err := h.mgr.Sign(again)
	require.NoError(t, err)
	assert.NoError(t, h.mgr.Verify(ctx, again))
}

func TestVerify_TimestampWindow(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	ctx := context.Background()

	old := envelope.New("alice", "bob", envelope.TypeMessage, "old")
	old.Timestamp = h.clock.Now().Add(-DefaultWindow - time.Second)
	_, err := h.mgr.Sign(old)
	require.NoError(t, err)
	assert.ErrorIs(t, h.mgr.Verify(ctx, old), ErrStale)

	skewed := envelope.New("alice", "bob", envelope.TypeMessage, "slightly ahead")
	skewed.Timestamp = h.clock.Now().Add(30 * time.Second)
	_, err = h.mgr.Sign(skewed)
	require.NoError(t, err)
	assert.NoError(t, h.mgr.Verify(ctx, skewed))

	future := envelope.New("alice", "bob", envelope.TypeMessage, "far ahead")
	future.Timestamp = h.clock.Now().Add(2 * time.Minute)
	_, err = h.mgr.Sign(future)
	require.NoError(t, err)
	assert.ErrorIs(t, h.mgr.Verify(ctx, future), ErrFuture)
}

func TestVerifyStored_IgnoresWindowButChecksSignature(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	ctx := context.Background()

	msg := h.signed(t, "alice", "bob", "written while bob was offline")
	h.clock.Advance(time.Hour)

	assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrStale)
	assert.NoError(t, h.mgr.VerifyStored(ctx, msg))
	// Stored reads do not consume the nonce.
	assert.NoError(t, h.mgr.VerifyStored(ctx, msg))

	msg.Content = "tampered"
	assert.ErrorIs(t, h.mgr.VerifyStored(ctx, msg), ErrBadSignature)

	h.mgr.Revoke("alice")
	assert.ErrorIs(t, h.mgr.VerifyStored(ctx, msg), ErrUnauthorized)
}

func TestVerify_UnauthorizedAndRevoked(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	ctx := context.Background()

	msg := h.signed(t, "alice", "bob", "hello")
	h.mgr.Revoke("alice")
	assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrUnauthorized)

	ghost := envelope.New("ghost", "bob", envelope.TypeMessage, "boo")
	_, err := h.mgr.Sign(ghost)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestVerify_FailuresAreAudited(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	ctx := context.Background()

	msg := h.signed(t, "alice", "bob", "hello")
	require.NoError(t, h.mgr.Verify(ctx, msg))
	require.Error(t, h.mgr.Verify(ctx, msg))

	entries, err := h.store.ListAuthFailures(ctx, store.AuthFailureFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "replay", entries[0].Reason)
	assert.Equal(t, msg.ID, entries[0].MessageID)
	assert.Equal(t, "alice", entries[0].AgentID)
}

func TestVerify_ConcurrentDuplicatesOneWinner(t *testing.T) {
	h := newHarness(t)
	h.identity(t, "alice")
	msg := h.signed(t, "alice", "bob", "hello")

	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *msg
			if h.mgr.Verify(context.Background(), &cp) == nil {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted)
}

func TestRefresh_LoadsRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Another process publishes a key directly to the shared registry.
	remote := NewManager(filepath.Join(t.TempDir(), "keys"), h.store)
	defer remote.Close()
	_, err := remote.CreateIdentity(ctx, Spec{AgentID: "remote-1"})
	require.NoError(t, err)

	assert.False(t, h.mgr.IsAuthorized("remote-1"))
	require.NoError(t, h.mgr.Refresh(ctx))
	assert.True(t, h.mgr.IsAuthorized("remote-1"))
}

func TestAuthorize_ParsesKey(t *testing.T) {
	h := newHarness(t)
	id := h.identity(t, "alice")

	assert.NoError(t, h.mgr.Authorize("alice-copy", id.PublicKey))
	assert.True(t, h.mgr.IsAuthorized("alice-copy"))
	assert.Error(t, h.mgr.Authorize("bad", "not a key"))
}

func TestFingerprintString(t *testing.T) {
	h := newHarness(t)
	id := h.identity(t, "alice")

	fp, err := FingerprintString(id.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, fp)
}

func TestVerify_LooksUpKeyPublishedAfterRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Refresh(ctx))

	remote := NewManager(filepath.Join(t.TempDir(), "keys"), h.store)
	defer remote.Close()
	_, err := remote.CreateIdentity(ctx, Spec{AgentID: "coordinator"})
	require.NoError(t, err)
	require.False(t, h.mgr.IsAuthorized("coordinator"))

	msg := envelope.New("coordinator", "bob", envelope.TypeTask, "draft the plan")
	msg.Timestamp = h.clock.Now()
	_, err = remote.Sign(msg)
	require.NoError(t, err)

	assert.NoError(t, h.mgr.Verify(ctx, msg))
	assert.True(t, h.mgr.IsAuthorized("coordinator"))

	stored := envelope.New("coordinator", "bob", envelope.TypeMessage, "from the log")
	_, err = remote.Sign(stored)
	require.NoError(t, err)
	other := NewManager(filepath.Join(t.TempDir(), "keys"), h.store)
	defer other.Close()
	assert.NoError(t, other.VerifyStored(ctx, stored))

	// Unknown senders are still rejected after the lookup.
	ghost := envelope.New("ghost", "bob", envelope.TypeMessage, "boo")
	ghost.Timestamp = h.clock.Now()
	ghost.Signature = msg.Signature
	assert.ErrorIs(t, h.mgr.Verify(ctx, ghost), ErrUnauthorized)
}

func TestRevoke_SurvivesRegistryLookupAndRefresh(t *testing.T) {
	h := newHarness(t)
	id := h.identity(t, "alice")
	ctx := context.Background()

	h.mgr.Revoke("alice")
	require.NoError(t, h.mgr.Refresh(ctx))
	assert.False(t, h.mgr.IsAuthorized("alice"))

	msg := h.signed(t, "alice", "bob", "still here")
	assert.ErrorIs(t, h.mgr.Verify(ctx, msg), ErrUnauthorized)
	assert.False(t, h.mgr.IsAuthorized("alice"))

	require.NoError(t, h.mgr.Authorize("alice", id.PublicKey))
	assert.NoError(t, h.mgr.Verify(ctx, msg))
}
