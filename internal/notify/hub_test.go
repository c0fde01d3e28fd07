// ABOUTME: Tests for notification sinks and the WebSocket hub
// ABOUTME: Covers fan-out, slow-subscriber drops, and end-to-end delivery over a real socket

package notify

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti_FansOut(t *testing.T) {
	var got []string
	m := Multi{
		Func(func(n Notification) { got = append(got, "a:"+n.Type) }),
		nil,
		Func(func(n Notification) { got = append(got, "b:"+n.Type) }),
	}
	m.Notify(Notification{Type: TypeMessage})
	assert.Equal(t, []string{"a:message", "b:message"}, got)
}

func TestHub_SubscribeNotify(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, id := h.Subscribe()
	h.Notify(Notification{Type: TypeTask, AgentID: "w1"})

	select {
	case n := <-ch:
		assert.Equal(t, TypeTask, n.Type)
		assert.False(t, n.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	h.Unsubscribe(id)
	assert.Zero(t, h.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, _ := h.Subscribe()
	for i := 0; i < subscriberBufferSize+10; i++ {
		h.Notify(Notification{Type: TypeMessage})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestHub_ServeHTTP(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	h.Notify(Notification{Type: TypeFile, AgentID: "w1", Summary: "report.pdf"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, TypeFile, n.Type)
	assert.Equal(t, "report.pdf", n.Summary)
}
