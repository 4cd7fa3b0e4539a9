// Package permission implements the Permission Broker (spec.md §4.D): a
// pending-request table that correlates an agent's out-of-band
// permission request with the user's asynchronous decision, delivered
// back to the agent stream adapter through a single-shot resolver.
package permission

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// Decision is the resolved outcome of a pending permission request.
type Decision struct {
	RequestID          string
	Allow              bool
	AppliedSuggestions []string
	Guidance           string
}

// pending is one in-flight request: a single-shot channel the resolver
// closes over exactly once.
type pending struct {
	sessionID string
	meta      v1.PermissionRequestMeta
	resultCh  chan Decision
	once      sync.Once
}

// Broker tracks every session's in-flight permission requests. One
// Broker instance is shared by the whole process; requests are keyed
// globally by request id but also indexed per session so a session
// teardown can auto-deny everything outstanding for it without a scan.
type Broker struct {
	log *logger.Logger

	mu       sync.Mutex
	byID     map[string]*pending
	bySession map[string]map[string]struct{}
}

// New constructs an empty Broker.
func New(log *logger.Logger) *Broker {
	return &Broker{
		log:       log.WithFields(),
		byID:      make(map[string]*pending),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register records a new permission request from the agent and returns
// a channel that receives exactly one Decision once Resolve or
// CancelSession is called for it (spec.md §4.D).
func (b *Broker) Register(sessionID string, meta v1.PermissionRequestMeta) (requestID string, wait <-chan Decision) {
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}

	p := &pending{
		sessionID: sessionID,
		meta:      meta,
		resultCh:  make(chan Decision, 1),
	}

	b.mu.Lock()
	b.byID[meta.RequestID] = p
	if b.bySession[sessionID] == nil {
		b.bySession[sessionID] = make(map[string]struct{})
	}
	b.bySession[sessionID][meta.RequestID] = struct{}{}
	b.mu.Unlock()

	return meta.RequestID, p.resultCh
}

// Resolve delivers the user's decision for requestID. A request is
// delivered at most once: a second call for the same request, or a call
// after CancelSession, returns a NotFound error and delivers nothing.
func (b *Broker) Resolve(requestID string, decision Decision) error {
	b.mu.Lock()
	p, ok := b.byID[requestID]
	if ok {
		delete(b.byID, requestID)
		if set := b.bySession[p.sessionID]; set != nil {
			delete(set, requestID)
			if len(set) == 0 {
				delete(b.bySession, p.sessionID)
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return apperr.NotFound("permission request", requestID)
	}

	p.once.Do(func() {
		decision.RequestID = requestID
		p.resultCh <- decision
		close(p.resultCh)
	})
	return nil
}

// Pending returns the metadata for every permission request currently
// outstanding for sessionID, used to rebuild the derived tool-call view.
func (b *Broker) Pending(sessionID string) []v1.PermissionRequestMeta {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.bySession[sessionID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]v1.PermissionRequestMeta, 0, len(ids))
	for id := range ids {
		if p, ok := b.byID[id]; ok {
			out = append(out, p.meta)
		}
	}
	return out
}

// CancelSession auto-denies every permission request outstanding for
// sessionID, so a terminated or errored session never leaks a resolver
// waiting forever (spec.md §4.D).
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	ids := b.bySession[sessionID]
	var toResolve []*pending
	for id := range ids {
		if p, ok := b.byID[id]; ok {
			toResolve = append(toResolve, p)
			delete(b.byID, id)
		}
	}
	delete(b.bySession, sessionID)
	b.mu.Unlock()

	for _, p := range toResolve {
		p.once.Do(func() {
			p.resultCh <- Decision{RequestID: p.meta.RequestID, Allow: false, Guidance: "session ended before a decision was made"}
			close(p.resultCh)
		})
	}

	if len(toResolve) > 0 {
		b.log.Debug("auto-denied pending permission requests on session teardown",
			zap.String("session_id", sessionID), zap.Int("count", len(toResolve)))
	}
}
