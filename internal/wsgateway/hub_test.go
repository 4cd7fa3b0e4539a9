package wsgateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

// newTestClient builds a Client with no real connection, suitable for
// exercising Hub routing without a websocket upgrade.
func newTestClient(id string, hub *Hub) *Client {
	return &Client{
		ID:         id,
		sessionIDs: make(map[string]bool),
		send:       make(chan []byte, 256),
		hub:        hub,
		sessionHub: hub,
		log:        logger.Default(),
	}
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

// ============================================================================
// Subscribe / Broadcast routing
// ============================================================================

func TestHub_BroadcastDeliversOnlyToSubscribers(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	subscribed := newTestClient("c1", h)
	other := newTestClient("c2", h)

	h.Register(subscribed)
	h.Register(other)
	subscribed.Subscribe("sess-1")

	require.Eventually(t, func() bool {
		return h.SubscriberCount("sess-1") == 1
	}, time.Second, 10*time.Millisecond)

	h.Broadcast("sess-1", map[string]string{"type": "hello"})

	select {
	case msg := <-subscribed.send:
		assert.Contains(t, string(msg), "hello")
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the broadcast")
	}

	select {
	case msg := <-other.send:
		t.Fatalf("unsubscribed client unexpectedly received: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	c := newTestClient("c1", h)
	h.Register(c)
	c.Subscribe("sess-1")
	require.Eventually(t, func() bool { return h.SubscriberCount("sess-1") == 1 }, time.Second, 10*time.Millisecond)

	c.Unsubscribe("sess-1")
	require.Eventually(t, func() bool { return h.SubscriberCount("sess-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_UnregisterRemovesFromSessionIndex(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	c := newTestClient("c1", h)
	h.Register(c)
	c.Subscribe("sess-1")
	require.Eventually(t, func() bool { return h.SubscriberCount("sess-1") == 1 }, time.Second, 10*time.Millisecond)

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.SubscriberCount("sess-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestClient_SendReportsOverflow(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}
	assert.True(t, c.Send([]byte("a")))
	assert.False(t, c.Send([]byte("b")))
}
