package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	return NewMemoryEventBus(logger.Default())
}

// ============================================================================
// Publish/Subscribe
// ============================================================================

func TestMemoryEventBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var mu sync.Mutex
	var got *Event
	done := make(chan struct{})

	_, err := bus.Subscribe(SubjectSessionCreated, func(_ context.Context, event *Event) error {
		mu.Lock()
		got = event
		mu.Unlock()
		close(done)
		return nil
	})
	require.NoError(t, err)

	sent := NewEvent(SubjectSessionCreated, map[string]any{"session_id": "abc"})
	require.NoError(t, bus.Publish(context.Background(), SubjectSessionCreated, sent))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "abc", got.Data["session_id"])
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var calls int
	var mu sync.Mutex

	sub, err := bus.Subscribe(SubjectSessionDeleted, func(_ context.Context, event *Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(context.Background(), SubjectSessionDeleted, NewEvent(SubjectSessionDeleted, nil)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestMemoryEventBus_PublishAfterCloseErrors(t *testing.T) {
	bus := newTestBus(t)
	bus.Close()

	err := bus.Publish(context.Background(), SubjectSessionState, NewEvent(SubjectSessionState, nil))
	assert.Error(t, err)
}

func TestMemoryEventBus_OnlyMatchingSubjectDelivered(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var stateCalls, createdCalls int
	var mu sync.Mutex

	_, err := bus.Subscribe(SubjectSessionState, func(_ context.Context, event *Event) error {
		mu.Lock()
		stateCalls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = bus.Subscribe(SubjectSessionCreated, func(_ context.Context, event *Event) error {
		mu.Lock()
		createdCalls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), SubjectSessionCreated, NewEvent(SubjectSessionCreated, nil)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, stateCalls)
	assert.Equal(t, 1, createdCalls)
}
