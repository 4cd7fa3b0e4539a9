package wsgateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/eventbus"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/session"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway owns both WebSocket planes and implements session.Broadcaster,
// so the coordinator can fan state out without importing this package
// (spec.md §4.F).
type Gateway struct {
	hub         *Hub
	global      *GlobalHub
	bus         eventbus.EventBus
	coordinator *session.Coordinator
	log         *logger.Logger
}

// New wires a Gateway around an already-running event bus; the
// coordinator reference is set later via Bind, since the coordinator
// needs the Gateway (as a Broadcaster) before it exists.
func New(bus eventbus.EventBus, log *logger.Logger) (*Gateway, error) {
	log = log.WithFields(zap.String("component", "wsgateway"))
	global, err := NewGlobalHub(bus, log)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		hub:    NewHub(log),
		global: global,
		bus:    bus,
		log:    log,
	}, nil
}

// Bind supplies the coordinator once constructed, breaking the
// initialization cycle (coordinator needs a Broadcaster, Gateway needs
// the coordinator to serve sessions).
func (g *Gateway) Bind(c *session.Coordinator) {
	g.coordinator = c
}

// Run drives the session-channel hub's event loop until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.hub.Run(ctx)
}

// BroadcastToSession implements session.Broadcaster.
func (g *Gateway) BroadcastToSession(sessionID string, v any) {
	g.hub.Broadcast(sessionID, v)
}

// BroadcastSessionState implements session.Broadcaster: pushes the delta
// to session-channel viewers and publishes it for the global channel.
func (g *Gateway) BroadcastSessionState(sessionID string, state v1.SessionState, isProcessing bool, lastErr *v1.LastError) {
	payload := map[string]any{
		"type":          "state",
		"session_id":    sessionID,
		"state":         state,
		"is_processing": isProcessing,
	}
	if lastErr != nil {
		payload["last_error"] = lastErr
	}
	g.hub.Broadcast(sessionID, payload)

	_ = g.bus.Publish(context.Background(), eventbus.SubjectSessionState, eventbus.NewEvent(eventbus.SubjectSessionState, map[string]any{
		"session_id":    sessionID,
		"state":         state,
		"is_processing": isProcessing,
	}))
}

// BroadcastSessionCreated implements session.Broadcaster.
func (g *Gateway) BroadcastSessionCreated(s *v1.Session) {
	_ = g.bus.Publish(context.Background(), eventbus.SubjectSessionCreated, eventbus.NewEvent(eventbus.SubjectSessionCreated, map[string]any{
		"session": s,
	}))
}

// BroadcastSessionUpdated implements session.Broadcaster.
func (g *Gateway) BroadcastSessionUpdated(s *v1.Session) {
	_ = g.bus.Publish(context.Background(), eventbus.SubjectSessionUpdated, eventbus.NewEvent(eventbus.SubjectSessionUpdated, map[string]any{
		"session": s,
	}))
}

// BroadcastSessionDeleted implements session.Broadcaster.
func (g *Gateway) BroadcastSessionDeleted(sessionID string) {
	_ = g.bus.Publish(context.Background(), eventbus.SubjectSessionDeleted, eventbus.NewEvent(eventbus.SubjectSessionDeleted, map[string]any{
		"session_id": sessionID,
	}))
}

// HandleControl implements ControlHandler, translating session-channel
// inbound frames into coordinator calls (spec.md §4.F).
func (g *Gateway) HandleControl(sessionID string, msg ControlMessage) {
	ctx := context.Background()
	var err error

	switch msg.Action {
	case "send_message":
		err = g.coordinator.Send(ctx, sessionID, msg.Text)
	case "interrupt":
		err = g.coordinator.Interrupt(ctx, sessionID)
	case "permission_response":
		err = g.coordinator.RespondPermission(ctx, sessionID, msg.RequestID, msg.Allow, msg.AppliedSuggestions, msg.Guidance)
	case "set_permission_mode":
		err = g.coordinator.SetPermissionMode(ctx, sessionID, v1.PermissionMode(msg.Mode))
	default:
		g.log.Warn("unknown control action", zap.String("action", msg.Action))
		return
	}

	if err != nil {
		g.log.Warn("control action failed", zap.String("action", msg.Action), zap.String("session_id", sessionID), zap.Error(err))
	}
}

// StreamSession handles GET /sessions/:id/stream: the per-session plane.
func (g *Gateway) StreamSession(c *gin.Context) {
	sessionID := c.Param("id")

	snapshot, err := g.coordinator.Get(c.Request.Context(), sessionID)
	if err != nil {
		conn, upErr := upgrader.Upgrade(c.Writer, c.Request, nil)
		if upErr != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(apperr.WSCloseCode(err), "session not found"),
			deadlineNow())
		conn.Close()
		return
	}
	if snapshot.State == v1.StateError {
		conn, upErr := upgrader.Upgrade(c.Writer, c.Request, nil)
		if upErr != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(apperr.WSCloseSessionInError, "session is in an error state"),
			deadlineNow())
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, g.hub, g.log)
	g.hub.Register(client)
	client.Subscribe(sessionID)

	client.Send(mustJSON(map[string]any{
		"type":    "connected",
		"session": snapshot,
	}))

	go client.WritePump()
	go client.ReadPump(sessionID, g)
}

// StreamGlobal handles GET /stream: the global session-list plane.
func (g *Gateway) StreamGlobal(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewGlobalClient(clientID, conn, g.global, g.log)
	g.global.Register(client)

	go client.WritePump()
	go client.ReadPump("", nil)
}
