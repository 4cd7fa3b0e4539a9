package wsgateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/eventbus"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

// GlobalHub streams session-list deltas (creations, deletions, state and
// name changes) to every attached client, decoupled from the coordinator
// by subscribing to the event bus rather than being called directly
// (spec.md §4.F "Global UI channel").
type GlobalHub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	log     *logger.Logger
}

// NewGlobalHub constructs a GlobalHub and subscribes it to the session
// lifecycle subjects on bus.
func NewGlobalHub(bus eventbus.EventBus, log *logger.Logger) (*GlobalHub, error) {
	h := &GlobalHub{
		clients: make(map[*Client]bool),
		log:     log.WithFields(zap.String("component", "ws_global_hub")),
	}

	subjects := []string{
		eventbus.SubjectSessionCreated,
		eventbus.SubjectSessionState,
		eventbus.SubjectSessionUpdated,
		eventbus.SubjectSessionDeleted,
	}
	for _, subject := range subjects {
		if _, err := bus.Subscribe(subject, h.onEvent); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *GlobalHub) onEvent(_ context.Context, event *eventbus.Event) error {
	data, err := json.Marshal(map[string]any{
		"type": event.Subject,
		"data": event.Data,
	})
	if err != nil {
		return err
	}
	h.broadcastAll(data)
	return nil
}

func (h *GlobalHub) broadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.Send(data) {
			go c.Close()
		}
	}
}

// Register attaches a client to the global channel.
func (h *GlobalHub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister detaches a client from the global channel.
func (h *GlobalHub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
