// ABOUTME: Shared fixtures for transport tests
// ABOUTME: Builds a store, identity manager, shared log, and recording handlers in a temp dir

package transport

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/identity"
	"github.com/2389/coven-swarm/internal/sharedlog"
	"github.com/2389/coven-swarm/internal/store"
)

type testEnv struct {
	st   *store.SQLiteStore
	ids  *identity.Manager
	log  *sharedlog.Log
	atts *AttachmentStore
	reg  *Registry
}

func newTestEnv(t *testing.T, agents ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ids := identity.NewManager(filepath.Join(dir, "keys"), st)
	t.Cleanup(ids.Close)
	for _, a := range agents {
		_, err := ids.CreateIdentity(context.Background(), identity.Spec{AgentID: a, Role: "worker"})
		require.NoError(t, err)
	}

	l, err := sharedlog.Open(filepath.Join(dir, "log"))
	require.NoError(t, err)
	atts, err := NewAttachmentStore(filepath.Join(dir, "attachments"), 1024)
	require.NoError(t, err)

	return &testEnv{st: st, ids: ids, log: l, atts: atts, reg: NewRegistry(l, nil)}
}

func (e *testEnv) receiver(agentID string, h Handler) *Receiver {
	return NewReceiver(agentID, e.ids, e.st, h, nil, nil)
}

func (e *testEnv) client(agentID string) *Client {
	return NewClient(ClientConfig{
		AgentID:     agentID,
		Signer:      e.ids,
		Registry:    e.reg,
		Log:         e.log,
		Attachments: e.atts,
	})
}

// serve runs agentID's endpoint on an httptest server and registers it.
func (e *testEnv) serve(t *testing.T, agentID string, h Handler) (*httptest.Server, *Receiver) {
	t.Helper()
	recv := e.receiver(agentID, h)
	srv := NewServer(ServerConfig{
		AgentID:     agentID,
		Role:        "worker",
		Receiver:    recv,
		Attachments: e.atts,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	require.NoError(t, e.reg.Register(EndpointRecord{AgentID: agentID, Role: "worker", URL: ts.URL}))
	return ts, recv
}

func (e *testEnv) signed(t *testing.T, from, to, content string) *envelope.Message {
	t.Helper()
	msg := envelope.New(from, to, envelope.TypeMessage, content)
	_, err := e.ids.Sign(msg)
	require.NoError(t, err)
	return msg
}

// recorder is a Handler that remembers every delivery.
type recorder struct {
	mu         sync.Mutex
	deliveries []*Delivery
}

func (r *recorder) HandleDelivery(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []*Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

func (r *recorder) ids() []string {
	var out []string
	for _, d := range r.all() {
		out = append(out, d.Message.ID)
	}
	return out
}
