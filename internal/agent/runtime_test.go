// ABOUTME: Tests for sending and streaming messages through the runtime
// ABOUTME: History changes only when a completion finishes; pause and busy states refuse work

package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/identity"
	"github.com/2389/coven-swarm/internal/provider"
)

const testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGm7m0b8hXr1bX1TqvZ1zq6l9tE0v2WcQn1O0m0y5q0F"

func testIdentity(agentID string) *identity.Identity {
	return &identity.Identity{AgentID: agentID, Role: "worker", PublicKey: testKey}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newRuntime(t *testing.T, p provider.Provider, cfg Config, opts ...Option) *Runtime {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	rt, err := New(testIdentity("w1"), p, cfg, opts...)
	require.NoError(t, err)
	return rt
}

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := New(nil, provider.NewScripted(), Config{})
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = New(&identity.Identity{AgentID: "w1"}, provider.NewScripted(), Config{})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestSendMessage_CommitsBothTurns(t *testing.T) {
	p := provider.NewScripted("hello there")
	rt := newRuntime(t, p, Config{SystemPrompt: "be brief"})

	reply, err := rt.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)
	assert.Equal(t, StatusIdle, rt.Status())

	assert.Equal(t, []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
		{Role: provider.RoleAssistant, Content: "hello there"},
	}, rt.History())

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "be brief", calls[0].System)
}

func TestSendMessage_ProviderErrorLeavesHistory(t *testing.T) {
	p := provider.NewScripted()
	p.Push(provider.Reply{Err: assert.AnError})
	rt := newRuntime(t, p, Config{})

	_, err := rt.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, rt.History())
	assert.Equal(t, StatusError, rt.Status())

	// error -> working is allowed, so the runtime recovers on the next turn.
	p.Push(provider.Reply{Text: "ok"})
	_, err = rt.SendMessage(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, rt.Status())
}

func TestStreamMessage_Chunks(t *testing.T) {
	p := provider.NewScripted("streamed reply text")
	p.ChunkSize = 4
	rt := newRuntime(t, p, Config{})

	chunks, err := rt.StreamMessage(context.Background(), "go")
	require.NoError(t, err)

	var text string
	var final Chunk
	for c := range chunks {
		if c.Done {
			final = c
			continue
		}
		text += c.Text
	}
	require.NoError(t, final.Err)
	assert.Equal(t, "streamed reply text", text)
	assert.Equal(t, "streamed reply text", final.Reply)
	assert.Len(t, rt.History(), 2)
}

func TestStreamMessage_BusyAndCancelLeavesHistory(t *testing.T) {
	p := provider.NewScripted("a reply that takes a while to arrive")
	p.ChunkSize = 1
	p.ChunkDelay = 20 * time.Millisecond
	rt := newRuntime(t, p, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := rt.StreamMessage(ctx, "slow one")
	require.NoError(t, err)

	first := <-chunks
	assert.Equal(t, "a", first.Text)
	assert.Equal(t, StatusWorking, rt.Status())

	_, err = rt.SendMessage(context.Background(), "me too")
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	for range chunks {
	}

	assert.Empty(t, rt.History())
	assert.Eventually(t, func() bool { return rt.Status() == StatusIdle }, time.Second, 10*time.Millisecond)
}

func TestPauseRefusesCompletions(t *testing.T) {
	rt := newRuntime(t, provider.NewScripted("x"), Config{})

	require.NoError(t, rt.Pause())
	_, err := rt.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, rt.Resume())
	assert.Equal(t, StatusIdle, rt.Status())
	assert.ErrorIs(t, rt.Resume(), ErrInvalidTransition)

	_, err = rt.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
}

func TestStatusEvents(t *testing.T) {
	events := &eventLog{}
	rt := newRuntime(t, provider.NewScripted("x"), Config{}, WithEventHandler(events.record))

	_, err := rt.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	changes := events.ofType(EventStatusChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, StatusIdle, changes[len(changes)-1].Status)
	assert.Equal(t, "w1", changes[len(changes)-1].AgentID)
}
