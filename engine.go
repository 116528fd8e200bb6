package evoagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ──────────────────────────────────────────────
// Session Engine — persona slot, counters, busy flags
// ──────────────────────────────────────────────
//
// One Engine per conversation session. It owns the single mutable persona
// slot, the append-only transcript, the crystallized-memory bank, and the
// three busy flags (response, meta-learning, spark) that form the sole
// mutual-exclusion mechanism. The persona has exactly one writer: the
// meta-learning cycle at commit time. Everything else reads clones.

var (
	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("evoagent: engine closed")
	// ErrResponseInFlight is returned when a second ProcessUserMessage
	// arrives while one is still running.
	ErrResponseInFlight = errors.New("evoagent: response already in flight")
)

// EngineHooks provides optional event callbacks. All hooks are invoked
// synchronously from engine paths; keep them fast.
type EngineHooks struct {
	OnMessage       func(m Message)
	OnStageChange   func(from, to int)
	OnPersonaCommit func(before, after Persona)
	OnWarning       func(source string, err error)
}

// EngineOption customizes a new Engine.
type EngineOption func(*Engine)

// WithLogger attaches a zap logger. Default is a nop logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = ensureLogger(l) }
}

// WithHooks attaches event callbacks.
func WithHooks(h EngineHooks) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

// WithStore attaches a write-through SessionStore.
func WithStore(s SessionStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithSpanExporter enables cycle audit tracing through the given exporter.
func WithSpanExporter(exp SpanExporter) EngineOption {
	return func(e *Engine) { e.tracer = NewCycleTracer(exp, true) }
}

// WithRandSource seeds the trigger scheduler's randomness (tests).
func WithRandSource(src rand.Source) EngineOption {
	return func(e *Engine) { e.rng = rand.New(src) }
}

// Engine orchestrates one session.
type Engine struct {
	cfg    EngineConfig
	collab Collaborators
	hooks  EngineHooks
	logger *zap.Logger
	rng    *rand.Rand

	stages    *StageCalculator
	validator *DecisionValidator
	detector  *SentimentDetector
	tracer    *CycleTracer
	store     SessionStore
	log       *messageLog
	memory    *MemoryBank
	sched     *triggerScheduler
	queue     *staggerQueue

	mu        sync.Mutex
	persona   Persona
	stage     int
	exchanges int
	lastSpark string

	responseBusy atomic.Bool
	cycleBusy    atomic.Bool
	sparkBusy    atomic.Bool
	closed       atomic.Bool
	cycleGroup   singleflight.Group
}

// NewEngine creates a session engine. Respond, Summarize and Decide
// collaborators are required.
func NewEngine(cfg EngineConfig, collab Collaborators, opts ...EngineOption) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if collab.Respond == nil {
		return nil, errors.New("evoagent: Respond collaborator is required")
	}
	if collab.Summarize == nil {
		return nil, errors.New("evoagent: Summarize collaborator is required")
	}
	if collab.Decide == nil {
		return nil, errors.New("evoagent: Decide collaborator is required")
	}

	stages, err := NewStageCalculator(cfg.StageThresholds)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		collab:   collab,
		logger:   zap.NewNop(),
		stages:   stages,
		detector: NewSentimentDetector(),
		tracer:   NewCycleTracer(nil, cfg.TraceEnabled),
		log:      newMessageLog(),
		memory:   NewMemoryBank(cfg.MemoryCap),
		queue:    newStaggerQueue(),
		persona:  DefaultPersona(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e.validator = NewDecisionValidator(e.logger)
	e.sched = newTriggerScheduler(cfg, stages, e.rng, e.logger)
	return e, nil
}

// ProcessUserMessage runs one exchange: append the user message, generate
// the bot reply, update counters, and let the scheduler admit background
// tasks. A generation error propagates to the caller with no persona
// mutation and no counter advance.
func (e *Engine) ProcessUserMessage(ctx context.Context, text string) (*Message, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if !e.responseBusy.CompareAndSwap(false, true) {
		return nil, ErrResponseInFlight
	}

	e.appendMessage(newMessage(SenderUser, text), false)

	persona := e.Persona()
	reply, err := e.collab.Respond(ctx, &ResponseRequest{
		UserText: text,
		Persona:  persona,
		Recent:   e.log.Recent(MaxRecentTurns),
		Memories: e.memory.Texts(MaxMemoriesInContext),
	})
	if err != nil {
		e.responseBusy.Store(false)
		return nil, fmt.Errorf("response generation: %w", err)
	}

	botMsg := e.appendMessage(newMessage(SenderBot, reply), true)

	// The exchange is complete: release the flag before the scheduler looks
	// at it, otherwise no trigger could ever be admitted.
	e.responseBusy.Store(false)
	e.afterExchange()
	return &botMsg, nil
}

// afterExchange advances the exchange counter, recomputes the stage, and
// schedules whatever the trigger scheduler admits.
func (e *Engine) afterExchange() {
	e.mu.Lock()
	e.exchanges++
	exchanges := e.exchanges
	e.mu.Unlock()

	busy := e.responseBusy.Load() || e.cycleBusy.Load() || e.sparkBusy.Load()
	d := e.sched.evaluate(exchanges, busy)

	if d.StageChanged {
		e.mu.Lock()
		e.stage = d.Stage
		e.mu.Unlock()

		m := newMessage(SenderSystem,
			fmt.Sprintf("Growth stage reached: %s", StageName(d.Stage)))
		m.Payload = &MessagePayload{
			Kind:        PayloadStageChange,
			StageChange: &StageChangeRecord{From: d.PrevStage, To: d.Stage},
		}
		e.appendMessage(m, false)
		if e.hooks.OnStageChange != nil {
			e.hooks.OnStageChange(d.PrevStage, d.Stage)
		}
	}

	// Stagger delays keep background output from visually competing with the
	// response render; they are not a correctness mechanism. Every task
	// re-checks the busy flags when it actually fires.
	if d.RunCycle {
		e.queue.Schedule(e.cfg.StaggerDelay, func() {
			e.guard("cycle", func() { e.runMetaLearningCycle(context.Background()) })
		})
	}
	if d.RunEcho {
		e.queue.Schedule(e.cfg.StaggerDelay*2, func() {
			e.guard("echo", func() { e.runEchoSynthesis(context.Background()) })
		})
	}
	if d.RunSpark {
		e.queue.Schedule(e.cfg.StaggerDelay*3, func() {
			e.guard("spark", func() { e.runConceptualSpark(context.Background()) })
		})
	}
}

// guard turns a panic in a background task into a logged warning, so a
// misbehaving collaborator cannot take the host process down from a timer
// goroutine.
func (e *Engine) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("background task panicked",
				zap.String("task", name), zap.Any("panic", r))
			if e.hooks.OnWarning != nil {
				e.hooks.OnWarning(name, fmt.Errorf("panic: %v", r))
			}
		}
	}()
	fn()
}

// RunCycleNow triggers a meta-learning cycle immediately, bypassing cadence
// but not the busy flags. Blocks until the cycle finishes or is refused.
func (e *Engine) RunCycleNow(ctx context.Context) {
	if e.closed.Load() {
		return
	}
	e.sched.noteCycleRun()
	e.runMetaLearningCycle(ctx)
}

// ─── Persona slot ───

// Persona returns a clone of the current persona.
func (e *Engine) Persona() Persona {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persona.Clone()
}

// commitPersona atomically replaces the persona slot. Only the meta-learning
// cycle calls this. Affect axes are clamped so no commit can ever leave the
// slot out of bounds.
func (e *Engine) commitPersona(next Persona) Persona {
	committed := next.Clone()
	committed.AffectiveState = committed.AffectiveState.Clamped()
	if committed.CurrentAffectiveGoal != nil {
		g := committed.CurrentAffectiveGoal.Clamped()
		committed.CurrentAffectiveGoal = &g
	}

	e.mu.Lock()
	before := e.persona
	e.persona = committed
	e.mu.Unlock()

	e.writeThroughPersona(committed)
	if e.hooks.OnPersonaCommit != nil {
		e.hooks.OnPersonaCommit(before.Clone(), committed.Clone())
	}
	return committed.Clone()
}

// ─── Spark slot ───

func (e *Engine) setSpark(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSpark = text
}

func (e *Engine) peekSpark() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSpark
}

func (e *Engine) clearSpark() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSpark = ""
}

// LastSpark returns the spark text pending consumption by the next cycle.
func (e *Engine) LastSpark() string {
	return e.peekSpark()
}

// ─── Accessors ───

// Stage returns the current growth stage.
func (e *Engine) Stage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Exchanges returns the completed exchange count.
func (e *Engine) Exchanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exchanges
}

// Messages returns a copy of the full transcript.
func (e *Engine) Messages() []Message {
	return e.log.All()
}

// UserMessageCount returns the number of user messages in the transcript.
func (e *Engine) UserMessageCount() int {
	return e.log.CountBySender(SenderUser)
}

// BotMessageCount returns the number of bot messages in the transcript.
func (e *Engine) BotMessageCount() int {
	return e.log.CountBySender(SenderBot)
}

// Memories returns the crystallized-memory snapshot, oldest first.
func (e *Engine) Memories() []CrystallizedMemory {
	return e.memory.Snapshot()
}

// CycleInFlight reports whether a meta-learning cycle is currently running.
func (e *Engine) CycleInFlight() bool {
	return e.cycleBusy.Load()
}

// Close stops all pending staggered tasks. Best-effort: a task that already
// fired completes; new work is refused.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.queue.Close()
	e.logger.Debug("engine closed", zap.String("session", e.cfg.SessionID))
}

// ─── Internals ───

// appendMessage stamps the persona snapshot (when asked), appends to the
// transcript, writes through to the store, and fires OnMessage.
func (e *Engine) appendMessage(m Message, snapshot bool) Message {
	if snapshot {
		p := e.Persona()
		m.PersonaSnapshot = &p
	}
	e.log.Append(m)
	e.writeThroughMessage(m)
	if e.hooks.OnMessage != nil {
		e.hooks.OnMessage(m)
	}
	return m
}

func (e *Engine) anyBusy() bool {
	return e.responseBusy.Load() || e.cycleBusy.Load() || e.sparkBusy.Load()
}

func (e *Engine) writeThroughMessage(m Message) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := e.store.Append(e.cfg.SessionID, StoreKeyTranscript, string(data)); err != nil {
		e.logger.Debug("store transcript append failed", zap.Error(err))
	}
}

func (e *Engine) writeThroughMemories() {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(e.memory.Snapshot())
	if err != nil {
		return
	}
	if err := e.store.Set(e.cfg.SessionID, StoreKeyMemories, string(data)); err != nil {
		e.logger.Debug("store memories set failed", zap.Error(err))
	}
}

func (e *Engine) writeThroughPersona(p Persona) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := e.store.Set(e.cfg.SessionID, StoreKeyPersona, string(data)); err != nil {
		e.logger.Debug("store persona set failed", zap.Error(err))
	}
}
