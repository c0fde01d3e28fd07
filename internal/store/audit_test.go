// ABOUTME: Tests for the authentication failure audit log
// ABOUTME: Covers append defaults, newest-first listing, and filtering

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &AuthFailure{
		AgentID:   "intruder",
		Reason:    "unauthorized",
		MessageID: "msg-1",
		Detail:    map[string]any{"path": "network"},
	}
	require.NoError(t, s.AppendAuthFailure(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_ListNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, reason := range []string{"stale", "replay", "bad_signature"} {
		require.NoError(t, s.AppendAuthFailure(ctx, &AuthFailure{
			AgentID:   "worker-1",
			Reason:    reason,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := s.ListAuthFailures(ctx, AuthFailureFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "bad_signature", entries[0].Reason)
}

func TestAuditStore_ListFiltered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.AppendAuthFailure(ctx, &AuthFailure{AgentID: "a", Reason: "replay", Timestamp: base}))
	require.NoError(t, s.AppendAuthFailure(ctx, &AuthFailure{AgentID: "b", Reason: "replay", Timestamp: base.Add(30 * time.Minute)}))
	require.NoError(t, s.AppendAuthFailure(ctx, &AuthFailure{AgentID: "a", Reason: "stale", Timestamp: base.Add(50 * time.Minute),
		Detail: map[string]any{"age": "6m"}}))

	agent := "a"
	entries, err := s.ListAuthFailures(ctx, AuthFailureFilter{AgentID: &agent})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	reason := "replay"
	entries, err = s.ListAuthFailures(ctx, AuthFailureFilter{Reason: &reason})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	since := base.Add(45 * time.Minute)
	entries, err = s.ListAuthFailures(ctx, AuthFailureFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "6m", entries[0].Detail["age"])

	entries, err = s.ListAuthFailures(ctx, AuthFailureFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
