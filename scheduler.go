package evoagent

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ──────────────────────────────────────────────
// Trigger Scheduler — post-exchange admission decisions
// ──────────────────────────────────────────────
//
// Runs after every completed exchange. Decides which background tasks to
// admit (meta-learning cycle, echo synthesis, conceptual spark) and whether
// the growth stage changed. Admission is refused outright while any busy
// flag is set; the engine re-checks the flags again when a staggered task
// actually fires, since a lot can happen during the delay.

// triggerDecision is the outcome of one post-exchange evaluation.
type triggerDecision struct {
	StageChanged bool
	PrevStage    int
	Stage        int

	RunCycle bool
	RunEcho  bool
	RunSpark bool
}

// triggerScheduler holds the cadence counters. It is driven from the
// engine's exchange path only, but locks anyway so hosts can inspect it.
type triggerScheduler struct {
	cfg    EngineConfig
	stages *StageCalculator
	rng    *rand.Rand
	logger *zap.Logger

	mu             sync.Mutex
	lastStage      int
	sinceLastCycle int
	echoCounter    int
}

func newTriggerScheduler(cfg EngineConfig, stages *StageCalculator, rng *rand.Rand, logger *zap.Logger) *triggerScheduler {
	return &triggerScheduler{
		cfg:    cfg,
		stages: stages,
		rng:    rng,
		logger: logger.Named("scheduler"),
	}
}

// evaluate recomputes the stage and decides admissions for the exchange that
// just completed. busy reports whether any in-flight flag is currently set:
// when true, every admission is rejected but counters still advance, so a
// skipped opportunity is not replayed later.
func (s *triggerScheduler) evaluate(exchanges int, busy bool) triggerDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := triggerDecision{PrevStage: s.lastStage}
	d.Stage = s.stages.StageFor(exchanges)
	if d.Stage != s.lastStage {
		d.StageChanged = true
		s.lastStage = d.Stage
	}

	// Meta-learning cycle: exact threshold hit, or the fixed interval since
	// the last cycle — except when that count is itself a threshold boundary,
	// which would double-fire.
	atThreshold := s.stages.IsThreshold(exchanges)
	s.sinceLastCycle++
	cycleDue := atThreshold || (s.sinceLastCycle >= s.cfg.CycleInterval && !atThreshold)

	// Echo cadence: every N bot replies, counter resets on fire.
	s.echoCounter++
	echoDue := s.echoCounter >= s.cfg.EchoInterval

	// Spark: probabilistic, gated on stage >= 1.
	sparkDue := false
	if d.Stage >= 1 {
		threshold := s.cfg.SparkBaseProbability + float64(d.Stage)*s.cfg.SparkStageFactor
		sparkDue = s.rng.Float64() < threshold
	}

	if busy {
		if cycleDue || echoDue || sparkDue {
			s.logger.Debug("trigger admissions rejected, task in flight",
				zap.Int("exchanges", exchanges))
		}
		return d
	}

	if cycleDue {
		d.RunCycle = true
		s.sinceLastCycle = 0
	}
	if echoDue {
		d.RunEcho = true
		s.echoCounter = 0
	}
	d.RunSpark = sparkDue
	return d
}

// noteCycleRun resets the interval counter for cycles admitted outside
// evaluate (manual RunCycleNow calls).
func (s *triggerScheduler) noteCycleRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLastCycle = 0
}

// ──────────────────────────────────────────────
// staggerQueue — delayed task handles with explicit cancellation
// ──────────────────────────────────────────────
//
// Staggered tasks are fire-and-forget by design; the queue exists so the
// owning engine can stop everything still pending when the session closes.
// A timer that fires concurrently with Close may still run its task against
// late state — callers re-check busy flags and the closed marker at fire
// time, and tests pin the remaining window.

type staggerQueue struct {
	mu     sync.Mutex
	closed bool
	next   int
	timers map[int]*time.Timer
}

func newStaggerQueue() *staggerQueue {
	return &staggerQueue{timers: make(map[int]*time.Timer)}
}

// Schedule runs fn after delay and returns a cancel handle. After Close,
// Schedule drops the task and returns a no-op cancel.
func (q *staggerQueue) Schedule(delay time.Duration, fn func()) (cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return func() {}
	}
	id := q.next
	q.next++

	t := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		dead := q.closed
		q.mu.Unlock()
		if dead {
			return
		}
		fn()
	})
	q.timers[id] = t

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if t, ok := q.timers[id]; ok {
			t.Stop()
			delete(q.timers, id)
		}
	}
}

// Close stops every pending timer. Best-effort: a task already past the
// closed check completes normally.
func (q *staggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

// Pending returns the number of scheduled-but-unfired tasks.
func (q *staggerQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}
