package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/orbit/internal/conversation"
	"github.com/haasonsaas/orbit/internal/extensions"
	"github.com/haasonsaas/orbit/internal/jobs"
	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/internal/permission"
	"github.com/haasonsaas/orbit/internal/providers"
	"github.com/haasonsaas/orbit/internal/sessions"
	"github.com/haasonsaas/orbit/internal/tools/policy"
	"github.com/haasonsaas/orbit/pkg/models"
)

// SessionConfig parameterizes one Reply call.
type SessionConfig struct {
	ID         string
	ScheduleID string
	MaxTurns   int
	Retry      providers.RetryConfig
}

// defaultMaxTurns bounds the reply loop when SessionConfig.MaxTurns is
// unset, so a misbehaving model cannot loop forever.
const defaultMaxTurns = 25

// Orchestrator binds one Provider to one Extension Manager for a given
// session and drives the reply loop that alternates model generation and
// tool execution: per-session locking, repair-before-prompt, streaming
// accumulation by message id, permission evaluation before dispatch, and
// parallel dispatch with responses re-appended in request order.
type Orchestrator struct {
	store  sessions.Store
	extMgr *extensions.Manager
	perms  *permission.Manager
	prompt *PromptManager
	logger *slog.Logger

	// metrics and tracer are optional observability hooks: the reply
	// event stream is the user-visible surface, these are the operator-
	// visible one. Both are nil-safe: every call site guards on nil
	// before using them, so an Orchestrator built without SetMetrics/
	// SetTracer behaves exactly as before.
	metrics *observability.Metrics
	tracer  *observability.Tracer

	// recorder, when attached, captures a replayable event timeline of
	// each run (run start/end, per-tool start/end) alongside the metrics
	// and spans above. Nil-safe like metrics and tracer.
	recorder *observability.EventRecorder

	// jobStore backs the job_status built-in (internal/extensions/jobs.go)
	// with a record of every dispatched tool call. Nil-safe like metrics
	// and tracer: an Orchestrator without SetJobStore just never records.
	jobStore jobs.Store

	// defaultPolicy, if set, seeds a session's permission rules the first
	// time runLoop touches it and perms has no rules recorded yet for it.
	// Nil-safe: an Orchestrator without SetDefaultPolicy leaves every
	// session at the AskBefore default, same as before this field existed.
	defaultPolicy *policy.Policy

	// seededMu guards seededSessions, the set of session ids runLoop has
	// already tried to seed from defaultPolicy, so a session with a
	// deliberately-empty rule set (everything denied via One-shot
	// decisions) doesn't get re-seeded on every turn.
	seededMu       sync.Mutex
	seededSessions map[string]bool

	mu       sync.RWMutex
	provider providers.Provider

	// locker serializes Reply calls per session. Defaults to an in-memory
	// sessions.LocalLocker; SetLocker swaps in a sessions.DBLocker when
	// several processes share one database file.
	locker sessions.Locker

	pendingMu sync.Mutex
	pending   map[string]chan permission.Decision

	// FrontendTools is the set of tool names (unprefixed routed names)
	// the caller has reserved to execute out-of-band. When
	// a ToolRequest names one of these and the Extension Manager does
	// not recognize it, the loop forwards it as an ActionRequired
	// frontend-tool event instead of failing the dispatch.
	FrontendTools map[string]bool

	// FrontendResponses receives ToolResponse content for a pending
	// frontend tool call, keyed by the tool call id, submitted back
	// through SubmitFrontendResponse.
	frontendMu        sync.Mutex
	frontendResponses map[string]chan models.ToolOutcome
}

// NewOrchestrator constructs an Orchestrator. logger may be nil (falls
// back to slog.Default).
func NewOrchestrator(store sessions.Store, provider providers.Provider, extMgr *extensions.Manager, perms *permission.Manager, prompt *PromptManager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if perms == nil {
		perms = permission.NewManager()
	}
	return &Orchestrator{
		store:             store,
		extMgr:            extMgr,
		perms:             perms,
		prompt:            prompt,
		provider:          provider,
		logger:            logger.With("component", "orchestrator"),
		locker:            sessions.NewLocalLocker(5 * time.Minute),
		pending:           make(map[string]chan permission.Decision),
		FrontendTools:     make(map[string]bool),
		frontendResponses: make(map[string]chan models.ToolOutcome),
		seededSessions:    make(map[string]bool),
	}
}

// SetProvider swaps the active Provider at runtime.
func (o *Orchestrator) SetProvider(p providers.Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.provider = p
}

// SetMetrics attaches a Prometheus-backed Metrics recorder. Passing nil
// disables metrics recording.
func (o *Orchestrator) SetMetrics(m *observability.Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = m
}

// SetTracer attaches an OpenTelemetry-backed Tracer. Passing nil disables
// span creation.
func (o *Orchestrator) SetTracer(t *observability.Tracer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracer = t
}

// SetEventRecorder attaches an event-timeline recorder. Passing nil
// disables timeline capture.
func (o *Orchestrator) SetEventRecorder(r *observability.EventRecorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorder = r
}

func (o *Orchestrator) currentRecorder() *observability.EventRecorder {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.recorder
}

// SetJobStore attaches a jobs.Store every dispatched tool call is recorded
// into, for the job_status built-in to query. Passing nil disables
// recording.
func (o *Orchestrator) SetJobStore(s jobs.Store) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobStore = s
}

func (o *Orchestrator) currentJobStore() jobs.Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobStore
}

// SetDefaultPolicy attaches the policy.Policy new sessions are seeded from
// on first use. Passing nil disables seeding; existing per-session rules
// are never touched.
func (o *Orchestrator) SetDefaultPolicy(p *policy.Policy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultPolicy = p
}

func (o *Orchestrator) currentDefaultPolicy() *policy.Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultPolicy
}

// seedPermissions runs perms.SeedFromPolicy for sessionID against
// defaultPolicy exactly once per sessionID per process lifetime.
func (o *Orchestrator) seedPermissions(sessionID string) {
	p := o.currentDefaultPolicy()
	if p == nil {
		return
	}
	o.seededMu.Lock()
	defer o.seededMu.Unlock()
	if o.seededSessions[sessionID] {
		return
	}
	o.seededSessions[sessionID] = true
	o.perms.SeedFromPolicy(sessionID, p)
}

func (o *Orchestrator) currentProvider() providers.Provider {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.provider
}

func (o *Orchestrator) currentMetrics() *observability.Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metrics
}

func (o *Orchestrator) currentTracer() *observability.Tracer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tracer
}

// SetLocker swaps the per-session lock implementation, e.g. for a
// sessions.DBLocker lease when several processes share one database.
func (o *Orchestrator) SetLocker(l sessions.Locker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l != nil {
		o.locker = l
	}
}

func (o *Orchestrator) currentLocker() sessions.Locker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.locker
}

// HandleConfirmation resolves a pending ActionRequired::ToolConfirmation
// event. Resolving an unknown or already-resolved
// id is an error.
func (o *Orchestrator) HandleConfirmation(id string, decision permission.Decision) error {
	o.pendingMu.Lock()
	ch, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending confirmation with id %q", id)
	}
	ch <- decision
	close(ch)
	return nil
}

// SubmitFrontendResponse delivers the caller-executed result for a
// forwarded FrontendToolRequest.
func (o *Orchestrator) SubmitFrontendResponse(toolCallID string, outcome models.ToolOutcome) error {
	o.frontendMu.Lock()
	ch, ok := o.frontendResponses[toolCallID]
	if ok {
		delete(o.frontendResponses, toolCallID)
	}
	o.frontendMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending frontend tool call with id %q", toolCallID)
	}
	ch <- outcome
	close(ch)
	return nil
}

// Reply runs the reply loop for one incoming user Message and returns a
// lazily-produced stream of ReplyEvent. The channel
// is closed when the loop terminates, whether normally, by exhausting
// max_turns, or by cancellation.
func (o *Orchestrator) Reply(ctx context.Context, userMsg models.Message, cfg SessionConfig) (<-chan ReplyEvent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("orchestrator: SessionConfig.ID is required")
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	locker := o.currentLocker()
	if err := locker.Lock(ctx, cfg.ID); err != nil {
		return nil, fmt.Errorf("orchestrator: acquire session lock: %w", err)
	}

	events := make(chan ReplyEvent, 8)
	go func() {
		defer locker.Unlock(cfg.ID)
		defer close(events)
		o.runLoop(ctx, userMsg, cfg, maxTurns, events)
	}()
	return events, nil
}

func (o *Orchestrator) emit(events chan<- ReplyEvent, ev ReplyEvent) {
	events <- ev
}

func (o *Orchestrator) runLoop(ctx context.Context, userMsg models.Message, cfg SessionConfig, maxTurns int, events chan<- ReplyEvent) {
	sessionID := cfg.ID
	o.seedPermissions(sessionID)

	turnStart := time.Now()
	ctx = observability.AddSessionID(ctx, sessionID)
	if cfg.ScheduleID != "" {
		ctx = observability.AddScheduleID(ctx, cfg.ScheduleID)
	}
	ctx, finishTurnSpan := o.traceReplyTurn(ctx, sessionID)
	defer finishTurnSpan()

	var sessType string
	defer func() {
		if m := o.currentMetrics(); m != nil && sessType != "" {
			m.SessionEnded(sessType, time.Since(turnStart).Seconds())
		}
	}()
	if r := o.currentRecorder(); r != nil {
		runID := uuid.NewString()
		ctx = observability.AddRunID(ctx, runID)
		_ = r.RecordRunStart(ctx, runID, nil)
		defer func() { _ = r.RecordRunEnd(ctx, time.Since(turnStart), nil) }()
	}

	// Step 1: persist the incoming user message.
	if userMsg.CreatedAt.IsZero() {
		userMsg.CreatedAt = time.Now()
	}
	if userMsg.Visibility == (models.MessageMetadata{}) {
		userMsg.Visibility = models.VisibleMetadata()
	}
	if err := o.store.AddMessage(ctx, sessionID, userMsg); err != nil {
		o.logger.Error("persist user message", "session", sessionID, "error", err)
		return
	}
	o.emit(events, ReplyEvent{Message: &userMsg})

	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			o.logger.Info("reply loop cancelled", "session", sessionID)
			return
		}
		if turn >= maxTurns {
			notice := models.Message{
				ID:         uuid.NewString(),
				Role:       models.RoleAssistant,
				CreatedAt:  time.Now(),
				Visibility: models.VisibleMetadata(),
				Items: []models.ContentItem{{
					Type:             models.ContentSystemNotification,
					NotificationType: "max_turns_exceeded",
					Message:          "Maximum reply turns exceeded for this session.",
				}},
			}
			_ = o.store.AddMessage(ctx, sessionID, notice)
			o.emit(events, ReplyEvent{Message: &notice})
			return
		}

		sess, err := o.store.GetSession(ctx, sessionID, true)
		if err != nil {
			o.logger.Error("load session", "session", sessionID, "error", err)
			return
		}
		if turn == 0 {
			sessType = string(sess.SessionType)
			if m := o.currentMetrics(); m != nil {
				m.SessionStarted(sessType)
				m.MessageAppended(sessType, string(models.RoleUser))
			}
		}

		repaired, issues := conversation.Fix(sess.Messages)
		if len(issues) > 0 || !reflect.DeepEqual(repaired, sess.Messages) {
			conv := models.Conversation{Messages: repaired}
			if err := o.store.ReplaceConversation(ctx, sessionID, conv); err != nil {
				o.logger.Error("persist repaired conversation", "session", sessionID, "error", err)
			}
			o.emit(events, ReplyEvent{HistoryReplaced: &conv})
			sess.Messages = repaired
		}

		agentVisible := models.Conversation{Messages: sess.Messages}.AgentVisibleMessages()

		if p := o.currentProvider(); p != nil {
			meta := p.Metadata()
			compacted, result := compactHistory(agentVisible, meta.DefaultModel)
			if result != nil {
				o.logger.Info("compacted conversation history",
					"session", sessionID,
					"dropped_messages", result.DroppedMessages,
					"dropped_tokens", result.DroppedTokens,
					"kept_tokens", result.KeptTokens)
				if m := o.currentMetrics(); m != nil {
					m.RecordContextWindow(meta.Name, meta.DefaultModel, result.KeptTokens)
				}
				agentVisible = compacted
			}
		}

		var extKeys []string
		if o.extMgr != nil {
			extKeys = o.extMgr.Keys()
		}
		system := ""
		if o.prompt != nil {
			system = o.prompt.Build(sess.WorkingDir, extKeys)
		}

		var toolSchemas []providers.ToolSchema
		if o.extMgr != nil {
			tools, err := o.extMgr.ListTools(ctx, sessionID, nil)
			if err != nil {
				o.logger.Error("list tools", "session", sessionID, "error", err)
			}
			for _, t := range tools {
				toolSchemas = append(toolSchemas, providers.ToolSchema{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
			}
		}

		assistantMsg, err := o.completeTurn(ctx, system, agentVisible, toolSchemas, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			notice := models.Message{
				ID:         uuid.NewString(),
				Role:       models.RoleAssistant,
				CreatedAt:  time.Now(),
				Visibility: models.VisibleMetadata(),
				Items: []models.ContentItem{{
					Type:             models.ContentSystemNotification,
					NotificationType: "provider_error",
					Message:          err.Error(),
				}},
			}
			_ = o.store.AddMessage(ctx, sessionID, notice)
			o.emit(events, ReplyEvent{Message: &notice})
			return
		}

		if err := o.store.AddMessage(ctx, sessionID, assistantMsg); err != nil {
			o.logger.Error("persist assistant message", "session", sessionID, "error", err)
			return
		}
		if m := o.currentMetrics(); m != nil {
			m.MessageAppended(sessType, string(models.RoleAssistant))
		}
		o.emit(events, ReplyEvent{Message: &assistantMsg})

		requests := toolRequests(assistantMsg)
		if len(requests) == 0 {
			// Normal termination.
			o.maybeUpdateName(ctx, sessionID)
			return
		}

		responseMsg, cancelled := o.dispatchTurn(ctx, sessionID, requests, events)
		if responseMsg != nil {
			if err := o.store.AddMessage(ctx, sessionID, *responseMsg); err != nil {
				o.logger.Error("persist tool responses", "session", sessionID, "error", err)
			}
			if m := o.currentMetrics(); m != nil {
				m.MessageAppended(sessType, string(models.RoleUser))
			}
			o.emit(events, ReplyEvent{Message: responseMsg})
		}
		if cancelled {
			return
		}
	}
}

// completeTurn asks the Provider for the next assistant Message, using
// Stream when supported and falling back to Complete otherwise, coalescing
// streamed chunks sharing a Message ID whose final content item is Text.
// It records an LLM request span/metric
// (a Provider instance may be shared across sessions, so this is
// where that cost is actually incurred) around whichever path is taken.
func (o *Orchestrator) completeTurn(ctx context.Context, system string, messages []models.Message, tools []providers.ToolSchema, events chan<- ReplyEvent) (models.Message, error) {
	p := o.currentProvider()
	if p == nil {
		return models.Message{}, fmt.Errorf("orchestrator: no provider configured")
	}
	meta := p.Metadata()

	ctx, finishSpan := o.traceLLMRequest(ctx, meta.Name, meta.DefaultModel)
	start := time.Now()
	var usage providers.ProviderUsage
	msg, err := o.completeTurnUnrecorded(ctx, p, system, messages, tools, events, &usage)
	finishSpan(err)
	o.recordLLMRequest(meta.Name, meta.DefaultModel, time.Since(start).Seconds(), usage, err)
	return msg, err
}

func (o *Orchestrator) completeTurnUnrecorded(ctx context.Context, p providers.Provider, system string, messages []models.Message, tools []providers.ToolSchema, events chan<- ReplyEvent, usage *providers.ProviderUsage) (models.Message, error) {
	stream, err := p.Stream(ctx, system, messages, tools)
	if err == nil {
		return o.accumulateStream(ctx, stream, events, usage)
	}

	msg, u, err := p.Complete(ctx, system, messages, tools)
	if err != nil {
		return models.Message{}, err
	}
	*usage = u
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Visibility == (models.MessageMetadata{}) {
		msg.Visibility = models.VisibleMetadata()
	}
	o.emit(events, ReplyEvent{Message: &msg})
	return msg, nil
}

// traceReplyTurn starts the reply-turn span via the attached Tracer, if
// any, and returns a finish func that is always safe to call.
func (o *Orchestrator) traceReplyTurn(ctx context.Context, sessionID string) (context.Context, func()) {
	t := o.currentTracer()
	if t == nil {
		return ctx, func() {}
	}
	spanCtx, span := t.TraceReplyTurn(ctx, sessionID)
	return spanCtx, func() { span.End() }
}

// traceLLMRequest starts a span via the attached Tracer, if any, and
// returns a finish func that is always safe to call.
func (o *Orchestrator) traceLLMRequest(ctx context.Context, provider, model string) (context.Context, func(err error)) {
	t := o.currentTracer()
	if t == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := t.TraceLLMRequest(ctx, provider, model)
	return spanCtx, func(err error) {
		if err != nil {
			t.RecordError(span, err)
		}
		span.End()
	}
}

// recordLLMRequest reports one completion call's outcome and token usage
// to the attached Metrics recorder, if any.
func (o *Orchestrator) recordLLMRequest(provider, model string, seconds float64, usage providers.ProviderUsage, err error) {
	m := o.currentMetrics()
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RecordLLMRequest(provider, model, status, seconds, usage.InputTokens, usage.OutputTokens)
}

// traceToolExecution starts a span via the attached Tracer, if any, around
// one tool dispatch, mirroring traceLLMRequest.
func (o *Orchestrator) traceToolExecution(ctx context.Context, toolName string) (context.Context, func(err error)) {
	t := o.currentTracer()
	if t == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := t.TraceToolExecution(ctx, toolName)
	return spanCtx, func(err error) {
		if err != nil {
			t.RecordError(span, err)
		}
		span.End()
	}
}

// recordToolExecution reports one tool dispatch's outcome to the attached
// Metrics recorder, if any.
func (o *Orchestrator) recordToolExecution(toolName, status string, seconds float64) {
	m := o.currentMetrics()
	if m == nil {
		return
	}
	m.RecordToolExecution(toolName, status, seconds)
}

// toolStatus maps a ToolOutcome's IsError flag to the status label Metrics
// expects.
func toolStatus(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

// recordJobStart creates a running Job record for one tool dispatch in the
// attached jobs.Store, if any, wiring cancel so job_status's job_cancel
// action can unwind the in-flight dispatch through dispatchCtx. It returns
// nil when no store is attached, which recordJobFinish treats as a no-op.
func (o *Orchestrator) recordJobStart(ctx context.Context, toolCallID, toolName string, cancel context.CancelFunc) *jobs.Job {
	store := o.currentJobStore()
	if store == nil {
		return nil
	}
	job := &jobs.Job{
		ID:         toolCallID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Status:     jobs.StatusRunning,
		CreatedAt:  time.Now(),
		StartedAt:  time.Now(),
	}
	if err := store.Create(ctx, job); err != nil {
		o.logger.Warn("record job start", "tool", toolName, "error", err)
		return nil
	}
	if ms, ok := store.(*jobs.MemoryStore); ok {
		ms.SetCancelFunc(job.ID, cancel)
	}
	return job
}

// recordJobFinish marks job succeeded or failed in the attached jobs.Store.
// job is nil when recordJobStart found no store attached or failed to
// create the record, in which case this is a no-op.
func (o *Orchestrator) recordJobFinish(ctx context.Context, job *jobs.Job, outcome *models.ToolOutcome, dispatchErr error) {
	if job == nil {
		return
	}
	store := o.currentJobStore()
	if store == nil {
		return
	}
	job.FinishedAt = time.Now()
	switch {
	case dispatchErr != nil:
		job.Status = jobs.StatusFailed
		job.Error = dispatchErr.Error()
	case outcome != nil && outcome.IsError:
		job.Status = jobs.StatusFailed
		job.Error = toolOutcomeText(outcome)
		job.Result = &models.ToolResult{ToolCallID: job.ToolCallID, Content: job.Error, IsError: true}
	default:
		job.Status = jobs.StatusSucceeded
		if outcome != nil {
			job.Result = &models.ToolResult{ToolCallID: job.ToolCallID, Content: toolOutcomeText(outcome)}
		}
	}
	if err := store.Update(ctx, job); err != nil {
		o.logger.Warn("record job finish", "tool", job.ToolName, "error", err)
	}
}

// toolOutcomeText concatenates a ToolOutcome's text content the same way
// providers render tool results back to the model.
func toolOutcomeText(outcome *models.ToolOutcome) string {
	var sb strings.Builder
	for _, c := range outcome.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// accumulateStream merges consecutive StreamChunks sharing a Message ID
// whose last content item is Text by appending new text to the existing
// item; any other shape starts a fresh logical message. It
// returns the final accumulated Message once the stream closes, and
// records the last non-nil StreamChunk.Usage seen into usage.
func (o *Orchestrator) accumulateStream(ctx context.Context, stream <-chan providers.StreamChunk, events chan<- ReplyEvent, usage *providers.ProviderUsage) (models.Message, error) {
	var current models.Message
	have := false

	for {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				if !have {
					return models.Message{}, fmt.Errorf("orchestrator: provider stream closed with no message")
				}
				return current, nil
			}
			if chunk.Usage != nil {
				*usage = *chunk.Usage
			}
			if chunk.Message == nil {
				continue
			}
			m := *chunk.Message
			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now()
			}
			if m.Visibility == (models.MessageMetadata{}) {
				m.Visibility = models.VisibleMetadata()
			}

			if have && m.ID != "" && m.ID == current.ID && endsInText(current) && endsInText(m) && len(m.Items) > 0 {
				merged := current
				lastIdx := len(merged.Items) - 1
				newText := m.Items[len(m.Items)-1].Text
				merged.Items[lastIdx].Text += newText
				current = merged
			} else {
				current = m
				have = true
			}
			o.emit(events, ReplyEvent{Message: &current})
		}
	}
}

func endsInText(m models.Message) bool {
	if len(m.Items) == 0 {
		return false
	}
	return m.Items[len(m.Items)-1].Type == models.ContentText
}

func toolRequests(msg models.Message) []models.ContentItem {
	var out []models.ContentItem
	for _, item := range msg.Items {
		if item.Type == models.ContentToolRequest {
			out = append(out, item)
		}
	}
	return out
}

// dispatchTurn evaluates permission policy for each tool request, awaits
// confirmations where required, dispatches approved calls in parallel
// within this single assistant turn, and returns one User message
// carrying every ToolResponse in request order. cancelled is true if ctx fired mid-dispatch; in
// that case every outstanding request gets a synthesized cancellation
// response so the persisted conversation never contains an orphaned
// ToolRequest.
func (o *Orchestrator) dispatchTurn(ctx context.Context, sessionID string, requests []models.ContentItem, events chan<- ReplyEvent) (*models.Message, bool) {
	outcomes := make([]models.ToolOutcome, len(requests))
	var wg sync.WaitGroup

	cancelled := false

	for i, req := range requests {
		if ctx.Err() != nil {
			cancelled = true
		}
		toolName := req.ToolCall.Name
		argsJSON := req.ToolCall.Arguments

		if cancelled {
			outcomes[i] = cancelledOutcome()
			continue
		}

		rule := o.perms.RuleFor(sessionID, toolName)
		switch rule {
		case permission.DeniedList:
			outcomes[i] = deniedOutcome("tool is always denied for this session")
			continue
		case permission.AllowedList:
			// fall through to dispatch
		default: // AskBefore
			decision, err := o.awaitConfirmation(ctx, sessionID, req.ID, toolName, argsJSON, events)
			if err != nil {
				cancelled = true
				outcomes[i] = cancelledOutcome()
				continue
			}
			if decision == permission.Cancel {
				cancelled = true
				outcomes[i] = cancelledOutcome()
				continue
			}
			if !o.perms.Apply(sessionID, toolName, decision) {
				outcomes[i] = deniedOutcome("tool call denied by user")
				continue
			}
		}

		if o.FrontendTools[toolName] {
			wg.Add(1)
			go func(i int, req models.ContentItem) {
				defer wg.Done()
				outcomes[i] = o.forwardFrontendTool(ctx, sessionID, req, events)
			}(i, req)
			continue
		}

		wg.Add(1)
		go func(i int, toolCallID, toolName string, argsJSON []byte) {
			defer wg.Done()
			dispatchCtx, finishSpan := o.traceToolExecution(ctx, toolName)
			dispatchCtx = observability.AddToolCallID(dispatchCtx, toolCallID)
			dispatchCtx, cancelDispatch := context.WithCancel(dispatchCtx)
			defer cancelDispatch()
			job := o.recordJobStart(dispatchCtx, toolCallID, toolName, cancelDispatch)
			recorder := o.currentRecorder()
			if recorder != nil {
				_ = recorder.RecordToolStart(dispatchCtx, toolName, json.RawMessage(argsJSON))
			}
			start := time.Now()
			result, err := o.extMgr.DispatchToolCall(dispatchCtx, sessionID, toolName, argsJSON)
			finishSpan(err)
			if recorder != nil {
				_ = recorder.RecordToolEnd(dispatchCtx, toolName, time.Since(start), nil, err)
			}
			if err != nil {
				o.recordToolExecution(toolName, "error", time.Since(start).Seconds())
				o.recordJobFinish(dispatchCtx, job, nil, err)
				outcomes[i] = models.ToolOutcome{IsError: true, Content: []models.ToolResultContent{{Type: "text", Text: err.Error()}}}
				return
			}
			o.recordToolExecution(toolName, toolStatus(result.IsError), time.Since(start).Seconds())
			outcome := models.ToolOutcome{
				Content:           result.Content,
				StructuredContent: result.StructuredContent,
				IsError:           result.IsError,
				Meta:              result.Meta,
			}
			o.recordJobFinish(dispatchCtx, job, &outcome, nil)
			outcomes[i] = outcome
		}(i, req.ID, toolName, argsJSON)
	}

	wg.Wait()

	items := make([]models.ContentItem, len(requests))
	for i, req := range requests {
		items[i] = models.ToolResponseItem(req.ID, outcomes[i])
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleUser,
		CreatedAt:  time.Now(),
		Visibility: models.VisibleMetadata(),
		Items:      items,
	}
	return msg, cancelled
}

func (o *Orchestrator) forwardFrontendTool(ctx context.Context, sessionID string, req models.ContentItem, events chan<- ReplyEvent) models.ToolOutcome {
	ch := make(chan models.ToolOutcome, 1)
	o.frontendMu.Lock()
	o.frontendResponses[req.ID] = ch
	o.frontendMu.Unlock()

	o.emit(events, ReplyEvent{ActionRequired: &ActionRequiredEvent{
		Kind:       ActionFrontendTool,
		SessionID:  sessionID,
		ToolCallID: req.ID,
		ToolName:   req.ToolCall.Name,
		Arguments:  req.ToolCall.Arguments,
	}})

	select {
	case <-ctx.Done():
		o.frontendMu.Lock()
		delete(o.frontendResponses, req.ID)
		o.frontendMu.Unlock()
		return cancelledOutcome()
	case outcome := <-ch:
		return outcome
	}
}

func (o *Orchestrator) awaitConfirmation(ctx context.Context, sessionID, toolCallID, toolName string, args json.RawMessage, events chan<- ReplyEvent) (permission.Decision, error) {
	confirmationID := uuid.NewString()
	ch := make(chan permission.Decision, 1)
	o.pendingMu.Lock()
	o.pending[confirmationID] = ch
	o.pendingMu.Unlock()

	o.emit(events, ReplyEvent{ActionRequired: &ActionRequiredEvent{
		Kind:           ActionToolConfirmation,
		ConfirmationID: confirmationID,
		SessionID:      sessionID,
		ToolCallID:     toolCallID,
		ToolName:       toolName,
		Arguments:      args,
	}})

	select {
	case <-ctx.Done():
		o.pendingMu.Lock()
		delete(o.pending, confirmationID)
		o.pendingMu.Unlock()
		return permission.Cancel, ctx.Err()
	case decision := <-ch:
		return decision, nil
	}
}

func deniedOutcome(reason string) models.ToolOutcome {
	return models.ToolOutcome{IsError: true, Content: []models.ToolResultContent{{Type: "text", Text: reason}}}
}

func cancelledOutcome() models.ToolOutcome {
	return models.ToolOutcome{IsError: true, Content: []models.ToolResultContent{{Type: "text", Text: "cancelled"}}}
}

// maybeUpdateName implements this: rename the session from the
// fast model's ≤4-word description, but only while the name is still
// system-generated and the conversation is still short, and only once a
// user ever sets the name explicitly.
func (o *Orchestrator) maybeUpdateName(ctx context.Context, sessionID string) {
	p := o.currentProvider()
	if p == nil {
		return
	}
	sess, err := o.store.GetSession(ctx, sessionID, true)
	if err != nil {
		o.logger.Warn("maybeUpdateName: load session", "session", sessionID, "error", err)
		return
	}
	if sess.UserSetName {
		return
	}
	userTurns := 0
	for _, m := range sess.Messages {
		if m.Role == models.RoleUser && !m.HasToolResponse() {
			userTurns++
		}
	}
	if userTurns > 3 {
		return
	}

	name, err := p.GenerateSessionName(ctx, models.Conversation{Messages: sess.Messages})
	if err != nil {
		o.logger.Warn("generate session name", "session", sessionID, "error", err)
		return
	}
	if name == "" {
		return
	}
	if err := o.store.Update(sessionID).SystemGeneratedName(name).Apply(ctx); err != nil {
		o.logger.Warn("apply generated session name", "session", sessionID, "error", err)
	}
}
