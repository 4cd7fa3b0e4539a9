// Package streamadapter implements the Agent Stream Adapter (spec.md
// §4.C): the single-session owner of the external agent subprocess,
// composing an inbound reader task, a serialised outbound queue, and
// interrupt/permission coordination.
package streamadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/agentproc"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/parser"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/permission"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// PermissionBroker is the subset of permission.Broker the adapter needs,
// narrowed to an interface so tests can fake it.
type PermissionBroker interface {
	Register(sessionID string, meta v1.PermissionRequestMeta) (requestID string, wait <-chan permission.Decision)
}

// Callbacks lets the coordinator observe everything the adapter does
// without the adapter importing the coordinator (which owns it).
type Callbacks struct {
	// OnEnvelope is invoked for every parsed envelope, in stream order.
	OnEnvelope func(env v1.Envelope)
	// OnResult is invoked when a terminal result-kind message arrives.
	OnResult func()
	// OnFatal is invoked on an unrecoverable startup or mid-stream error.
	OnFatal func(appErr *apperr.AppError)
}

// StartOptions mirrors agentproc.StartOptions plus the session id the
// agent should resume under.
type StartOptions struct {
	SessionID       string
	WorkingDir      string
	PermissionMode  v1.PermissionMode
	ToolsAllowlist  []string
	Model           string
	ResumeSessionID string
}

// Adapter drives one session's agent subprocess.
type Adapter struct {
	sessionID string
	launcher  *agentproc.Launcher
	broker    PermissionBroker
	cb        Callbacks
	log       *logger.Logger

	proc *agentproc.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outboundCh chan string

	mu              sync.Mutex
	permissionMode  v1.PermissionMode
	interrupting    atomic.Bool
	closed          atomic.Bool
}

// New constructs an Adapter bound to one session. Start must be called
// before Send/Interrupt have any effect.
func New(sessionID string, launcher *agentproc.Launcher, broker PermissionBroker, cb Callbacks, log *logger.Logger) *Adapter {
	return &Adapter{
		sessionID:  sessionID,
		launcher:   launcher,
		broker:     broker,
		cb:         cb,
		log:        log.WithFields(zap.String("component", "stream_adapter"), zap.String("session_id", sessionID)),
		outboundCh: make(chan string, 64),
	}
}

// Start launches the subprocess and begins the inbound/outbound goroutines
// (spec.md §4.C "start").
func (a *Adapter) Start(ctx context.Context, opts StartOptions) error {
	procCtx, cancel := context.WithCancel(context.Background())

	proc, err := a.launcher.Start(ctx, agentproc.StartOptions{
		WorkingDir:      opts.WorkingDir,
		PermissionMode:  opts.PermissionMode,
		ToolsAllowlist:  opts.ToolsAllowlist,
		Model:           opts.Model,
		ResumeSessionID: opts.ResumeSessionID,
	})
	if err != nil {
		cancel()
		return err
	}

	a.proc = proc
	a.ctx = procCtx
	a.cancel = cancel
	a.permissionMode = opts.PermissionMode

	a.wg.Add(2)
	go a.inboundLoop()
	go a.outboundLoop()

	return nil
}

// Send enqueues outbound text; returns immediately (spec.md §4.C "send").
func (a *Adapter) Send(text string) {
	if a.closed.Load() {
		return
	}
	select {
	case a.outboundCh <- text:
	default:
		a.log.Warn("outbound queue full, dropping send")
	}
}

// Interrupt signals cancellation to the agent. Safe to call at any time;
// idempotent (spec.md §4.C "interrupt").
func (a *Adapter) Interrupt() {
	if a.closed.Load() || a.proc == nil {
		return
	}
	if !a.interrupting.CompareAndSwap(false, true) {
		return
	}
	defer a.interrupting.Store(false)

	frame := newInterruptFrame(uuid.NewString())
	if err := a.writeFrame(frame); err != nil {
		a.log.Warn("failed to write interrupt frame", zap.Error(err))
		return
	}

	a.cb.OnEnvelope(v1.Envelope{
		Type:    v1.EnvelopeSystem,
		Subtype: v1.SubtypeSessionInterrupted,
		Content: "interrupted by user",
	})
}

// SetPermissionMode records mode on the adapter (spec.md §4.C
// "set_permission_mode"). Nothing is sent to the running agent process,
// which keeps the --permission-mode it was launched with; the recorded
// mode is not read by the adapter.
func (a *Adapter) SetPermissionMode(mode v1.PermissionMode) {
	a.mu.Lock()
	a.permissionMode = mode
	a.mu.Unlock()
}

// Close releases the agent stream and joins the inbound task (spec.md
// §4.C "close").
func (a *Adapter) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	if a.proc != nil {
		_ = a.proc.CloseStdin()
	}
	if a.cancel != nil {
		a.cancel()
	}
	close(a.outboundCh)
	a.wg.Wait()
	if a.proc != nil {
		_ = a.proc.Kill()
	}
}

func (a *Adapter) outboundLoop() {
	defer a.wg.Done()
	for text := range a.outboundCh {
		if err := a.writeFrame(newUserMessageFrame(text)); err != nil {
			a.log.Error("failed to write outbound message", zap.Error(err))
			a.cb.OnFatal(apperr.AgentStreamFailure(
				"lost connection to the agent while sending a message",
				err.Error(),
				err,
			))
			return
		}
	}
}

func (a *Adapter) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = a.proc.Stdin.Write(data)
	return err
}

// inboundLoop reads the agent's stream to completion, parsing one line at
// a time and processing it fully (parse, deliver, detect terminal/fatal
// states) before reading the next, giving per-session total ordering
// (spec.md §5).
func (a *Adapter) inboundLoop() {
	defer a.wg.Done()

	scanner := bufio.NewScanner(a.proc.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)

		if reqID, subtype, toolName, toolUseID, input, ok := isControlRequest(cp); ok {
			if subtype == subtypeCanUseTool {
				a.handlePermissionRequest(reqID, toolName, toolUseID, input)
			}
			continue
		}

		env := parser.Parse(cp)
		a.cb.OnEnvelope(*env)

		if env.Type == v1.EnvelopeResult {
			a.cb.OnResult()
		}
	}

	if err := scanner.Err(); err != nil && !a.closed.Load() {
		a.log.Error("agent stream read failed", zap.Error(err))
		a.cb.OnFatal(apperr.AgentStreamFailure(
			"the agent process ended unexpectedly",
			err.Error(),
			err,
		))
		return
	}

	if !a.closed.Load() {
		// EOF without a read error: the subprocess exited on its own.
		if werr := a.proc.Wait(); werr != nil {
			a.log.Warn("agent process exited with error", zap.Error(werr))
			a.cb.OnFatal(apperr.AgentStreamFailure(
				"the agent process exited unexpectedly",
				werr.Error(),
				werr,
			))
		}
	}
}

// handlePermissionRequest implements the permission callback (spec.md
// §4.C): register with the broker, await the resolver, translate the
// decision back into a control response frame.
func (a *Adapter) handlePermissionRequest(requestID, toolName, toolUseID string, input map[string]any) {
	meta := v1.PermissionRequestMeta{
		RequestID: requestID,
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Input:     input,
	}

	// Register first so the envelope carries the id the broker keys the
	// request on (minted by the broker when the agent's frame has none).
	brokerID, wait := a.broker.Register(a.sessionID, meta)
	meta.RequestID = brokerID

	a.cb.OnEnvelope(v1.Envelope{
		Type: v1.EnvelopePermissionRequest,
		Metadata: v1.Metadata{
			PermissionRequest: &meta,
		},
	})

	decision := <-wait

	behavior := "deny"
	if decision.Allow {
		behavior = "allow"
	}

	resp := controlResponseFrame{
		Type:      frameControlResponse,
		RequestID: requestID,
		Response: controlResponseBody{
			Subtype: "success",
			Result: &permissionResultWire{
				Behavior: behavior,
				Guidance: decision.Guidance,
			},
		},
	}

	if err := a.writeFrame(resp); err != nil {
		a.log.Warn("failed to write permission response frame", zap.Error(err))
	}
}
