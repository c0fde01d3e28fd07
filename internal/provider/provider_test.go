// ABOUTME: Tests for stream collection, structured parsing, and the scripted provider
// ABOUTME: Covers fenced and embedded JSON, ParseError fallbacks, and cancellation

package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type teamSlot struct {
	WorkerType string `json:"workerType"`
	Count      int    `json:"count"`
}

type teamReply struct {
	Team []teamSlot `json:"team"`
}

func TestCollect_JoinsDeltas(t *testing.T) {
	p := NewScripted("hello there, general")
	p.ChunkSize = 3

	text, usage, err := Collect(context.Background(), p, "sys", []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello there, general", text)
	assert.Positive(t, usage.OutputTokens)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sys", calls[0].System)
	assert.Equal(t, "hi", calls[0].Messages[0].Content)
}

func TestCollect_ErrorEvent(t *testing.T) {
	p := &Scripted{}
	p.Push(Reply{Err: errors.New("rate limited")})

	_, _, err := Collect(context.Background(), p, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCollect_Exhausted(t *testing.T) {
	_, _, err := Collect(context.Background(), NewScripted(), "", nil)
	assert.ErrorIs(t, err, ErrScriptExhausted)
}

func TestCollect_Cancelled(t *testing.T) {
	p := NewScripted("a long reply that streams slowly")
	p.ChunkSize = 1
	p.ChunkDelay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := Collect(ctx, p, "", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bare", `{"team":[{"workerType":"backend","count":2}]}`},
		{"fenced", "Here is the team:\n```json\n{\"team\":[{\"workerType\":\"backend\",\"count\":2}]}\n```\nGood luck."},
		{"embedded", `Sure! {"team":[{"workerType":"backend","count":2}]} Let me know.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseJSON[teamReply](tt.raw)
			require.True(t, res.Ok(), "err: %v", res.Err)
			require.Len(t, res.Value.Team, 1)
			assert.Equal(t, "backend", res.Value.Team[0].WorkerType)
			assert.Equal(t, 2, res.Value.Team[0].Count)
		})
	}
}

func TestParseJSON_ParseErrorKeepsRaw(t *testing.T) {
	res := ParseJSON[teamReply]("I cannot help with that.")
	assert.False(t, res.Ok())
	pe, ok := res.ParseErr()
	require.True(t, ok)
	assert.Equal(t, "I cannot help with that.", pe.Raw)

	// Wrong shape is also a ParseError, not a panic.
	res = ParseJSON[teamReply](`{"team":"everyone"}`)
	_, ok = res.ParseErr()
	assert.True(t, ok)
	assert.Equal(t, "everyone", res.Lookup("team").String())
}

func TestAsk(t *testing.T) {
	p := NewScripted("```\n{\"team\":[]}\n```")
	res := Ask[teamReply](context.Background(), p, "sys", "analyze")
	require.True(t, res.Ok())
	assert.Empty(t, res.Value.Team)

	res = Ask[teamReply](context.Background(), p, "sys", "again")
	assert.False(t, res.Ok())
	_, isParse := res.ParseErr()
	assert.False(t, isParse, "exhausted script is a transport failure")
}

func TestScripted_Respond(t *testing.T) {
	p := &Scripted{Respond: func(system string, msgs []Message) (string, error) {
		return "echo: " + msgs[len(msgs)-1].Content, nil
	}}
	text, _, err := Collect(context.Background(), p, "", []Message{{Role: RoleUser, Content: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", text)
}
