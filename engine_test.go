package evoagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"
)

// testConfig keeps stagger delays tiny so background tasks fire fast.
func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.SessionID = "test-session"
	cfg.StaggerDelay = time.Millisecond
	return cfg
}

// identityDecision echoes the request persona back as a valid candidate.
func identityDecision(p Persona) (json.RawMessage, error) {
	return json.Marshal(EvolutionDecision{
		Persona:                 p,
		UISuggestion:            p.UIVariant,
		InsightText:             "Holding steady.",
		ResonancePromptFragment: p.ResonancePromptFragment,
		InteractionGoal:         p.CurrentInteractionGoal,
	})
}

// stubCollaborators wires the three required contracts to benign stubs.
// Spark is left nil so test runs stay deterministic.
func stubCollaborators() Collaborators {
	return Collaborators{
		Respond: func(ctx context.Context, req *ResponseRequest) (string, error) {
			return "ack: " + req.UserText, nil
		},
		Summarize: func(ctx context.Context, req *SummaryRequest) (*SummaryResult, error) {
			return &SummaryResult{
				Summary:      "The conversation covered a few topics.",
				Analysis:     "Steady engagement throughout.",
				KeyLearnings: []string{"user asks direct questions"},
			}, nil
		},
		Decide: func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error) {
			return identityDecision(req.Persona)
		},
	}
}

func newTestEngine(t *testing.T, collab Collaborators, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithRandSource(rand.NewSource(1))}, opts...)
	e, err := NewEngine(testConfig(), collab, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func countPayload(msgs []Message, kind PayloadKind) int {
	n := 0
	for _, m := range msgs {
		if m.Payload != nil && m.Payload.Kind == kind {
			n++
		}
	}
	return n
}

func TestEngine_RequiresCoreCollaborators(t *testing.T) {
	base := stubCollaborators()

	for name, mutate := range map[string]func(*Collaborators){
		"respond":   func(c *Collaborators) { c.Respond = nil },
		"summarize": func(c *Collaborators) { c.Summarize = nil },
		"decide":    func(c *Collaborators) { c.Decide = nil },
	} {
		c := base
		mutate(&c)
		if _, err := NewEngine(testConfig(), c); err == nil {
			t.Errorf("missing %s collaborator should fail construction", name)
		}
	}
}

func TestEngine_ExchangeAppendsBothSides(t *testing.T) {
	e := newTestEngine(t, stubCollaborators())

	reply, err := e.ProcessUserMessage(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Sender != SenderBot || reply.Text != "ack: hello" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.PersonaSnapshot == nil {
		t.Error("bot message must carry a persona snapshot")
	}

	msgs := e.Messages()
	if len(msgs) < 2 || msgs[0].Sender != SenderUser || msgs[1].Sender != SenderBot {
		t.Fatalf("transcript should open user then bot, got %d messages", len(msgs))
	}
	if e.Exchanges() != 1 {
		t.Errorf("exchange count = %d, want 1", e.Exchanges())
	}
	if e.UserMessageCount() != 1 || e.BotMessageCount() != 1 {
		t.Errorf("message counts = %d user / %d bot, want 1/1",
			e.UserMessageCount(), e.BotMessageCount())
	}
}

func TestEngine_FifthExchangeReachesStageOneAndRunsCycle(t *testing.T) {
	var stageFrom, stageTo int
	e := newTestEngine(t, stubCollaborators(), WithHooks(EngineHooks{
		OnStageChange: func(from, to int) { stageFrom, stageTo = from, to },
	}))

	for i := 0; i < 5; i++ {
		if _, err := e.ProcessUserMessage(context.Background(), fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	if e.Stage() != 1 {
		t.Errorf("stage after 5 exchanges = %d, want 1", e.Stage())
	}
	if stageFrom != 0 || stageTo != 1 {
		t.Errorf("stage hook fired with %d -> %d, want 0 -> 1", stageFrom, stageTo)
	}

	waitFor(t, func() bool {
		return countPayload(e.Messages(), PayloadEvolution) >= 1
	})

	msgs := e.Messages()
	if n := countPayload(msgs, PayloadEvolution); n != 1 {
		t.Errorf("evolution messages = %d, want exactly 1", n)
	}
	if n := countPayload(msgs, PayloadSummary); n != 1 {
		t.Errorf("summary messages = %d, want exactly 1", n)
	}
	if n := countPayload(msgs, PayloadStageChange); n != 1 {
		t.Errorf("stage-change messages = %d, want exactly 1", n)
	}
}

func TestEngine_SummarizerFailureAbortsWithoutMutation(t *testing.T) {
	collab := stubCollaborators()
	decided := atomic.NewBool(false)
	collab.Summarize = func(ctx context.Context, req *SummaryRequest) (*SummaryResult, error) {
		return nil, errors.New("upstream timeout")
	}
	collab.Decide = func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error) {
		decided.Store(true)
		return identityDecision(req.Persona)
	}
	e := newTestEngine(t, collab)

	before := e.Persona()
	e.RunCycleNow(context.Background())

	if !cmp.Equal(before, e.Persona()) {
		t.Errorf("persona mutated by an aborted cycle:\n%s", cmp.Diff(before, e.Persona()))
	}
	if decided.Load() {
		t.Error("decider must not run after a summarizer failure")
	}
	if len(e.Memories()) != 0 {
		t.Errorf("memories written by an aborted cycle: %d", len(e.Memories()))
	}

	aborts := 0
	for _, m := range e.Messages() {
		if m.Text == cycleAbortText {
			aborts++
		}
	}
	if aborts != 1 {
		t.Errorf("abort messages = %d, want exactly 1", aborts)
	}
}

func TestEngine_NilSummaryResultIsFatal(t *testing.T) {
	collab := stubCollaborators()
	collab.Summarize = func(ctx context.Context, req *SummaryRequest) (*SummaryResult, error) {
		return nil, nil
	}
	e := newTestEngine(t, collab)

	before := e.Persona()
	e.RunCycleNow(context.Background())
	if !cmp.Equal(before, e.Persona()) {
		t.Error("nil summary result must abort with zero mutation")
	}
}

func TestEngine_VisualizerFailureIsNonFatal(t *testing.T) {
	collab := stubCollaborators()
	collab.Visualize = func(ctx context.Context, req *VisualizeRequest) (string, error) {
		return "", errors.New("renderer down")
	}
	var warned string
	e := newTestEngine(t, collab, WithHooks(EngineHooks{
		OnWarning: func(source string, err error) { warned = source },
	}))

	e.RunCycleNow(context.Background())

	if warned != "visualizer" {
		t.Errorf("OnWarning source = %q, want visualizer", warned)
	}
	msgs := e.Messages()
	if countPayload(msgs, PayloadEvolution) != 1 {
		t.Error("cycle must complete despite a visualizer failure")
	}
	for _, m := range msgs {
		if m.Payload != nil && m.Payload.Kind == PayloadSummary {
			if m.Payload.Summary.ImageRef != "" {
				t.Errorf("summary should carry no image, got %q", m.Payload.Summary.ImageRef)
			}
		}
	}
}

func TestEngine_InvalidDecisionFallsBack(t *testing.T) {
	collab := stubCollaborators()
	collab.Decide = func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error) {
		p := req.Persona
		p.ResonancePromptFragment = "X"
		return json.Marshal(EvolutionDecision{
			Persona:                 p,
			UISuggestion:            p.UIVariant,
			InsightText:             "inconsistent",
			ResonancePromptFragment: "Y",
		})
	}
	e := newTestEngine(t, collab)

	before := e.Persona()
	e.RunCycleNow(context.Background())

	if !cmp.Equal(before, e.Persona()) {
		t.Errorf("fallback commit must retain the persona:\n%s", cmp.Diff(before, e.Persona()))
	}
	for _, m := range e.Messages() {
		if m.Payload != nil && m.Payload.Kind == PayloadEvolution {
			if !m.Payload.Evolution.FellBack {
				t.Error("evolution record should be marked as fallback")
			}
		}
	}
}

func TestEngine_DeciderErrorFallsBack(t *testing.T) {
	collab := stubCollaborators()
	collab.Decide = func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error) {
		return nil, errors.New("decider unreachable")
	}
	e := newTestEngine(t, collab)

	before := e.Persona()
	e.RunCycleNow(context.Background())

	if !cmp.Equal(before, e.Persona()) {
		t.Error("decider transport failure must resolve to the fallback")
	}
	if countPayload(e.Messages(), PayloadEvolution) != 1 {
		t.Error("fallback cycle must still emit its insight message")
	}
}

func TestEngine_ValidDecisionCommits(t *testing.T) {
	collab := stubCollaborators()
	collab.Decide = func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error) {
		p := req.Persona
		p.ResponseStyle = StyleReflective
		p.UIVariant = UIMidnight
		p.AffectiveState = AffectiveState{Valence: 0.5, Arousal: 0.3}
		return json.Marshal(EvolutionDecision{
			Persona:                 p,
			UISuggestion:            UIMidnight,
			InsightText:             "Shifting to a quieter register.",
			ResonancePromptFragment: p.ResonancePromptFragment,
		})
	}
	var committed bool
	e := newTestEngine(t, collab, WithHooks(EngineHooks{
		OnPersonaCommit: func(before, after Persona) { committed = true },
	}))

	e.RunCycleNow(context.Background())

	p := e.Persona()
	if p.ResponseStyle != StyleReflective || p.UIVariant != UIMidnight {
		t.Errorf("committed persona = %s/%s", p.ResponseStyle, p.UIVariant)
	}
	if !committed {
		t.Error("OnPersonaCommit hook did not fire")
	}
}

func TestEngine_CrystallizedLearningsAppearAsMessages(t *testing.T) {
	collab := stubCollaborators()
	collab.Summarize = func(ctx context.Context, req *SummaryRequest) (*SummaryResult, error) {
		return &SummaryResult{
			Summary:      "s",
			Analysis:     "a",
			KeyLearnings: []string{"likes trains", "lives near the coast"},
		}, nil
	}
	e := newTestEngine(t, collab)

	e.RunCycleNow(context.Background())

	if got := len(e.Memories()); got != 2 {
		t.Fatalf("memories = %d, want 2", got)
	}
	if n := countPayload(e.Messages(), PayloadLearning); n != 2 {
		t.Errorf("learning messages = %d, want 2", n)
	}
}

func TestEngine_CyclesSingleFlight(t *testing.T) {
	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	collab := stubCollaborators()
	collab.Summarize = func(ctx context.Context, req *SummaryRequest) (*SummaryResult, error) {
		if calls.Inc() == 1 {
			close(started)
		}
		<-release
		return &SummaryResult{Summary: "s", Analysis: "a"}, nil
	}
	e := newTestEngine(t, collab)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.RunCycleNow(context.Background())
	}()
	<-started

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.RunCycleNow(context.Background())
		}()
	}
	// Give the stragglers time to join the in-flight execution.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("summarize ran %d times, want 1 shared execution", got)
	}
	if countPayload(e.Messages(), PayloadEvolution) != 1 {
		t.Error("concurrent cycle requests must collapse to one commit")
	}
}

func TestEngine_SecondResponseRejectedWhileInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	collab := stubCollaborators()
	collab.Respond = func(ctx context.Context, req *ResponseRequest) (string, error) {
		close(started)
		<-release
		return "done", nil
	}
	e := newTestEngine(t, collab)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.ProcessUserMessage(context.Background(), "first")
		errCh <- err
	}()
	<-started

	if _, err := e.ProcessUserMessage(context.Background(), "second"); !errors.Is(err, ErrResponseInFlight) {
		t.Errorf("second call error = %v, want ErrResponseInFlight", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first call failed: %v", err)
	}
}

func TestEngine_ResponseErrorClearsFlagAndCounters(t *testing.T) {
	fail := atomic.NewBool(true)
	collab := stubCollaborators()
	collab.Respond = func(ctx context.Context, req *ResponseRequest) (string, error) {
		if fail.Load() {
			return "", errors.New("model unavailable")
		}
		return "recovered", nil
	}
	e := newTestEngine(t, collab)

	if _, err := e.ProcessUserMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected generation error")
	}
	if e.Exchanges() != 0 {
		t.Errorf("failed exchange must not advance the counter, got %d", e.Exchanges())
	}

	fail.Store(false)
	if _, err := e.ProcessUserMessage(context.Background(), "hi again"); err != nil {
		t.Fatalf("engine did not recover after a failed response: %v", err)
	}
}

func TestEngine_CloseStopsPendingTasksAndRefusesWork(t *testing.T) {
	cfg := testConfig()
	cfg.StaggerDelay = time.Hour
	e, err := NewEngine(cfg, stubCollaborators(), WithRandSource(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := e.ProcessUserMessage(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if e.queue.Pending() == 0 {
		t.Fatal("fifth exchange should have scheduled at least one task")
	}

	e.Close()
	if e.queue.Pending() != 0 {
		t.Errorf("pending tasks after Close = %d, want 0", e.queue.Pending())
	}
	if _, err := e.ProcessUserMessage(context.Background(), "y"); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("error after Close = %v, want ErrEngineClosed", err)
	}
	if countPayload(e.Messages(), PayloadEvolution) != 0 {
		t.Error("no cycle should have run with the stagger delay pinned to an hour")
	}
}

func TestEngine_SparkConsumedOnValidCommitOnly(t *testing.T) {
	collab := stubCollaborators()
	rejectNext := atomic.NewBool(true)
	collab.Decide = func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error) {
		if rejectNext.Load() {
			return json.RawMessage(`{"not": "a decision"}`), nil
		}
		return identityDecision(req.Persona)
	}
	e := newTestEngine(t, collab)
	e.setSpark("what if memory is a kind of weather?")

	// Invalid candidate: fallback commit, spark stays parked.
	e.RunCycleNow(context.Background())
	if e.LastSpark() == "" {
		t.Fatal("fallback commit must not consume the pending spark")
	}

	rejectNext.Store(false)
	e.RunCycleNow(context.Background())
	if e.LastSpark() != "" {
		t.Error("valid commit should consume the pending spark")
	}
}

func TestEngine_WriteThroughStore(t *testing.T) {
	store := NewInMemorySessionStore()
	e := newTestEngine(t, stubCollaborators(), WithStore(store))

	if _, err := e.ProcessUserMessage(context.Background(), "persist me"); err != nil {
		t.Fatal(err)
	}
	e.RunCycleNow(context.Background())

	n, err := store.ListLength("test-session", StoreKeyTranscript)
	if err != nil {
		t.Fatal(err)
	}
	if n < 2 {
		t.Errorf("transcript entries in store = %d, want >= 2", n)
	}

	raw, err := store.Get("test-session", StoreKeyPersona)
	if err != nil {
		t.Fatal(err)
	}
	var p Persona
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("stored persona is not valid JSON: %v", err)
	}
	if !p.enumsValid() {
		t.Errorf("stored persona has out-of-domain enums: %+v", p)
	}
}
