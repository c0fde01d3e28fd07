// ABOUTME: Tests for the remote delegate and the coordinator's inbound message handling
// ABOUTME: Results must come from the assigned worker; questions get answer envelopes

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
	"github.com/2389/coven-swarm/internal/transport"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*envelope.Message
}

func (f *fakeSender) Send(_ context.Context, msg *envelope.Message, _ ...transport.Attachment) (*transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return &transport.Result{Path: transport.PathNetwork, MessageID: msg.ID}, nil
}

func (f *fakeSender) ofType(typ string) []*envelope.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*envelope.Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestRemoteDelegate_DispatchAndDeliver(t *testing.T) {
	sender := &fakeSender{}
	d := NewRemoteDelegate("coordinator", sender, nil)
	task := &store.Task{ID: "t1", PurposeID: "p1", WorkerID: "writer-1", Task: "draft", Status: store.TaskInProgress}

	got := make(chan *agent.TaskResult, 1)
	go func() {
		res, err := d.Execute(context.Background(), task)
		assert.NoError(t, err)
		got <- res
	}()

	require.Eventually(t, func() bool { return len(sender.ofType(envelope.TypeTask)) == 1 }, time.Second, 5*time.Millisecond)
	msg := sender.ofType(envelope.TypeTask)[0]
	assert.Equal(t, "writer-1", msg.To)

	var sent store.Task
	require.NoError(t, msg.DecodeData(&sent))
	assert.Equal(t, "t1", sent.ID)

	res := &agent.TaskResult{TaskID: "t1", AgentID: "writer-1", Intent: agent.IntentAnswer, Answer: "done"}
	assert.False(t, d.Deliver("writer-2", res), "results from another worker are ignored")
	assert.False(t, d.Deliver("writer-1", &agent.TaskResult{TaskID: "t9"}))
	assert.True(t, d.Deliver("writer-1", res))

	select {
	case r := <-got:
		assert.Equal(t, "done", r.Answer)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return")
	}
}

func TestRemoteDelegate_ContextEnds(t *testing.T) {
	d := NewRemoteDelegate("coordinator", &fakeSender{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, &store.Task{ID: "t1", WorkerID: "writer-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleDelivery_RoutesTaskResult(t *testing.T) {
	sender := &fakeSender{}
	remote := NewRemoteDelegate("coordinator", sender, nil)
	env := newTestEnv(t, scriptedPlan(t), remote)

	got := make(chan *agent.TaskResult, 1)
	go func() {
		res, _ := remote.Execute(context.Background(), &store.Task{ID: "t1", WorkerID: "writer-1"})
		got <- res
	}()
	require.Eventually(t, func() bool { return len(sender.ofType(envelope.TypeTask)) == 1 }, time.Second, 5*time.Millisecond)

	msg := envelope.New("writer-1", "coordinator", envelope.TypeTaskResult, "done")
	require.NoError(t, msg.SetData(agent.TaskResult{TaskID: "t1", AgentID: "writer-1", Intent: agent.IntentAnswer, Answer: "done"}))
	require.NoError(t, env.coord.HandleDelivery(context.Background(), &transport.Delivery{Message: msg, Path: transport.PathNetwork}))

	select {
	case r := <-got:
		require.NotNil(t, r)
		assert.Equal(t, "done", r.Answer)
	case <-time.After(time.Second):
		t.Fatal("result was not routed")
	}
}

func TestHandleDelivery_BadTaskResult(t *testing.T) {
	env := newTestEnv(t, scriptedPlan(t), newRecordingDelegate())
	msg := envelope.New("writer-1", "coordinator", envelope.TypeTaskResult, "done")

	err := env.coord.HandleDelivery(context.Background(), &transport.Delivery{Message: msg})
	assert.ErrorIs(t, err, envelope.ErrMalformed)
}

func TestHandleDelivery_AnswersQuestion(t *testing.T) {
	sender := &fakeSender{}
	env := newTestEnv(t, triageProvider(`{"classification": "tactical"}`), newRecordingDelegate())
	env.coord.sender = sender

	q := envelope.New("writer-1", "coordinator", envelope.TypeQuestion, "Which bucket?")
	require.NoError(t, q.SetData(map[string]string{"taskId": "t1"}))
	require.NoError(t, env.coord.HandleDelivery(context.Background(), &transport.Delivery{Message: q, Path: transport.PathFile}))

	require.Eventually(t, func() bool { return len(sender.ofType(envelope.TypeAnswer)) == 1 }, 2*time.Second, 5*time.Millisecond)
	reply := sender.ofType(envelope.TypeAnswer)[0]
	assert.Equal(t, "writer-1", reply.To)
	assert.Equal(t, q.ID, reply.ReplyTo)
	assert.Equal(t, "Use the staging bucket.", reply.Content)
}
