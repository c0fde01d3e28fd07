// ABOUTME: Tests for the agent HTTP endpoint
// ABOUTME: Bad signatures are rejected before any handler runs; duplicates are handled once

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/identity"
	"github.com/2389/coven-swarm/internal/sharedlog"
	"github.com/2389/coven-swarm/internal/store"
)

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func encodeMultipart(t *testing.T, w io.Writer, msg *envelope.Message, paths ...string) string {
	t.Helper()
	mw := multipart.NewWriter(w)
	files := make([]Attachment, len(paths))
	for i, p := range paths {
		files[i] = Attachment{Path: p}
	}
	require.NoError(t, writeMultipart(mw, msg, files))
	return mw.FormDataContentType()
}

func TestServer_MessageAcceptedOnce(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	rec := &recorder{}
	ts, _ := env.serve(t, "bob", rec)

	msg := env.signed(t, "alice", "bob", "hi bob")
	resp := postJSON(t, ts.URL+"/message", msg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "accepted", body["status"])

	resp = postJSON(t, ts.URL+"/message", msg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "duplicate", body["status"])

	deliveries := rec.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, PathNetwork, deliveries[0].Path)
	assert.True(t, deliveries[0].Message.Delivered)
	assert.NotNil(t, deliveries[0].Message.DeliveredAt)
}

func TestServer_RejectsBadSignatureBeforeActing(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	rec := &recorder{}
	ts, _ := env.serve(t, "bob", rec)

	msg := env.signed(t, "alice", "bob", "original")
	msg.Content = "forged"
	resp := postJSON(t, ts.URL+"/message", msg)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, rec.all())

	processed, err := env.st.IsProcessed(context.Background(), "bob", msg.ID)
	require.NoError(t, err)
	assert.False(t, processed)

	audit, err := env.st.ListAuthFailures(context.Background(), store.AuthFailureFilter{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "bad_signature", audit[0].Reason)
}

func TestServer_MisaddressedAndMalformed(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	ts, _ := env.serve(t, "bob", &recorder{})

	msg := env.signed(t, "alice", "carol", "not for bob")
	assert.Equal(t, http.StatusMisdirectedRequest, postJSON(t, ts.URL+"/message", msg).StatusCode)

	resp, err := http.Post(ts.URL+"/message", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TaskEndpointRequiresAssignment(t *testing.T) {
	env := newTestEnv(t, "coordinator", "w1")
	rec := &recorder{}
	ts, _ := env.serve(t, "w1", rec)

	plain := env.signed(t, "coordinator", "w1", "not a task")
	assert.Equal(t, http.StatusBadRequest, postJSON(t, ts.URL+"/task", plain).StatusCode)

	msg := envelope.New("coordinator", "w1", envelope.TypeTask, "write the report")
	require.NoError(t, msg.SetData(store.Task{ID: "t1", WorkerID: "w1", Task: "write the report", Status: store.TaskPending}))
	_, err := env.ids.Sign(msg)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/task", msg).StatusCode)
	deliveries := rec.all()
	require.Len(t, deliveries, 1)
	task, err := deliveries[0].Task()
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
}

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t, "bob")
	srv := NewServer(ServerConfig{
		AgentID:  "bob",
		Role:     "researcher",
		Receiver: env.receiver("bob", nil),
		Status:   func() string { return "working" },
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	st, err := env.client("bob").Status(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "bob", st.AgentID)
	assert.Equal(t, "researcher", st.Role)
	assert.Equal(t, "working", st.Status)
}

func TestServer_MultipartAttachments(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	rec := &recorder{}
	env.serve(t, "bob", rec)

	small := writeTemp(t, "plan.md", "# plan")
	large := writeTemp(t, "data.bin", strings.Repeat("z", 4096))

	msg := envelope.New("alice", "bob", envelope.TypeMessage, "files attached")
	res, err := env.client("alice").Send(context.Background(), msg,
		Attachment{Path: small}, Attachment{Path: large})
	require.NoError(t, err)
	assert.Equal(t, PathNetwork, res.Path)

	deliveries := rec.all()
	require.Len(t, deliveries, 1)
	require.Len(t, deliveries[0].Attachments, 2)

	got, err := os.ReadFile(deliveries[0].Attachments[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "# plan", string(got))
	// Over the 1 KiB inline limit: content addressed.
	assert.Equal(t, env.atts.BlobPath(deliveries[0].Attachments[1].Ref.ContentHash), deliveries[0].Attachments[1].LocalPath)
}

func TestServer_MultipartRejectsTamperedPart(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	rec := &recorder{}
	ts, _ := env.serve(t, "bob", rec)

	p := writeTemp(t, "plan.md", "# plan")
	msg := envelope.New("alice", "bob", envelope.TypeMessage, "files attached")
	ref, err := Describe(msg.ID, Attachment{Path: p})
	require.NoError(t, err)
	msg.Attachments = append(msg.Attachments, ref)
	_, err = env.ids.Sign(msg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("# swapped"), 0644))

	var buf bytes.Buffer
	ct := encodeMultipart(t, &buf, msg, p)
	resp, err := http.Post(ts.URL+"/message-multi", ct, &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, rec.all())
}

func TestServer_StartRegistersAndShutdownDeregisters(t *testing.T) {
	env := newTestEnv(t, "bob")
	srv := NewServer(ServerConfig{
		AgentID:           "bob",
		Role:              "worker",
		Host:              "127.0.0.1",
		Receiver:          env.receiver("bob", nil),
		Attachments:       env.atts,
		Ports:             NewPortAllocator("127.0.0.1", 47600, 47699),
		Registry:          env.reg,
		HeartbeatInterval: time.Hour,
	})

	_, err := srv.Start(context.Background())
	require.NoError(t, err)

	rec, err := env.reg.Lookup("bob")
	require.NoError(t, err)
	assert.Equal(t, srv.URL(), rec.URL)

	st, err := env.client("bob").Probe(context.Background(), *rec)
	require.NoError(t, err)
	assert.Equal(t, "bob", st.AgentID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = env.reg.Lookup("bob")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestServer_AcceptsSenderPublishedAfterStart(t *testing.T) {
	env := newTestEnv(t, "bob")
	ctx := context.Background()
	require.NoError(t, env.ids.Refresh(ctx))

	rec := &recorder{}
	env.serve(t, "bob", rec)

	// The coordinator is a separate process that publishes its key after bob
	// has loaded the registry.
	coordIDs := identity.NewManager(filepath.Join(t.TempDir(), "keys"), env.st)
	t.Cleanup(coordIDs.Close)
	_, err := coordIDs.CreateIdentity(ctx, identity.Spec{AgentID: "coordinator", Role: "coordinator"})
	require.NoError(t, err)
	require.False(t, env.ids.IsAuthorized("coordinator"))

	client := NewClient(ClientConfig{
		AgentID:     "coordinator",
		Signer:      coordIDs,
		Registry:    env.reg,
		Log:         env.log,
		Attachments: env.atts,
	})
	msg := envelope.New("coordinator", "bob", envelope.TypeMessage, "first contact")
	res, err := client.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, PathNetwork, res.Path)
	assert.Equal(t, []string{msg.ID}, rec.ids())
	assert.True(t, env.ids.IsAuthorized("coordinator"))

	entries, err := env.log.ReadAll(sharedlog.StreamMessages)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSend_RejectsDuplicateAttachmentNames(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	rec := &recorder{}
	env.serve(t, "bob", rec)

	first := writeTemp(t, "notes.md", "one")
	second := writeTemp(t, "notes.md", "two")

	msg := envelope.New("alice", "bob", envelope.TypeMessage, "two notes")
	_, err := env.client("alice").Send(context.Background(), msg, Attachment{Path: first}, Attachment{Path: second})
	assert.ErrorIs(t, err, envelope.ErrMalformed)
	assert.Empty(t, rec.all())

	entries, err := env.log.ReadAll(sharedlog.StreamMessages)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
