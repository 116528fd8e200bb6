package evoagent

import (
	"context"
	"encoding/json"
	"strings"
)

// ──────────────────────────────────────────────
// Collaborator contracts — injected generative functions
// ──────────────────────────────────────────────
//
// The engine owns orchestration and state; all generative work is delegated
// to caller-provided functions. Each contract documents its failure behavior;
// the engine enforces the size caps on whatever comes back.

// Size caps enforced at collaborator boundaries.
const (
	MaxRecentTurns       = 10  // turns handed to the response generator
	MaxMemoriesInContext = 5   // memories handed to the response generator
	MaxSummaryWords      = 50  // summarizer summary field
	MaxAnalysisWords     = 100 // summarizer analysis field
	MaxKeyLearnings      = 3   // learnings merged per cycle
	MaxLearningChars     = 70  // single learning length
	MaxVisualizerChars   = 400 // analysis text handed to the visualizer
	MaxEchoSummaryChars  = 200 // recent-summary input to the echo generator
	MaxEchoChars         = 50  // echo output
	MaxSparkTopicChars   = 150 // topic input to the spark generator
	MaxSparkChars        = 150 // spark output
	MaxAnalysisExcerpt   = 160 // analysis excerpt embedded in summary messages
)

// SparkCategory is the closed set of conceptual-spark flavors.
type SparkCategory string

const (
	SparkMetaphor    SparkCategory = "metaphor"
	SparkQuestion    SparkCategory = "question"
	SparkHypothesis  SparkCategory = "hypothesis"
	SparkAssociation SparkCategory = "association"
	SparkParadox     SparkCategory = "paradox"
)

// DefaultSparkCategory is substituted when a generator returns an
// unrecognized category.
const DefaultSparkCategory = SparkAssociation

func (c SparkCategory) Valid() bool {
	switch c {
	case SparkMetaphor, SparkQuestion, SparkHypothesis, SparkAssociation, SparkParadox:
		return true
	}
	return false
}

// ResponseRequest is the input to the primary response generator.
type ResponseRequest struct {
	UserText string
	Persona  Persona
	Recent   []Message
	Memories []string
}

// ResponseFn produces the bot reply. An error propagates to the caller of
// ProcessUserMessage; the persona is never mutated on this path.
type ResponseFn func(ctx context.Context, req *ResponseRequest) (string, error)

// SummaryRequest is the input to the summarizer.
type SummaryRequest struct {
	Window       []Message
	PreviousGoal *InteractionGoal
}

// SummaryResult is the summarizer output. Overlong fields are truncated by
// the engine; a nil result or error aborts the whole cycle.
type SummaryResult struct {
	Summary        string
	Analysis       string
	KeyLearnings   []string
	Sentiment      string
	Dissonance     string
	GoalEvaluation string
}

// SummarizeFn analyzes a bounded recent-message window. Failure is fatal to
// the cycle: no persona mutation, exactly one error message appended.
type SummarizeFn func(ctx context.Context, req *SummaryRequest) (*SummaryResult, error)

// VisualizeRequest is the input to the dream visualizer.
type VisualizeRequest struct {
	Analysis      string
	UIVariant     UIVariant
	LearningsText string
}

// VisualizeFn returns an image reference. Failure is non-fatal: the cycle
// continues without an image.
type VisualizeFn func(ctx context.Context, req *VisualizeRequest) (string, error)

// EvolutionRequest is the input to the evolution decider.
type EvolutionRequest struct {
	Analysis       string
	Persona        Persona
	Stage          int
	LastSpark      string
	Sentiment      string
	Dissonance     string
	GoalEvaluation string
}

// DecideFn returns the raw candidate decision payload. The payload always
// passes through the DecisionValidator before any of it is used; malformed
// or inconsistent output is resolved into the deterministic fallback.
type DecideFn func(ctx context.Context, req *EvolutionRequest) (json.RawMessage, error)

// EchoRequest is the input to the echo generator.
type EchoRequest struct {
	Persona       Persona
	RecentSummary string
}

// EchoFn returns a short ephemeral echo line. Failure is silent.
type EchoFn func(ctx context.Context, req *EchoRequest) (string, error)

// SparkRequest is the input to the spark generator.
type SparkRequest struct {
	Topic   string
	Persona Persona
	Stage   int
}

// SparkResult is the spark generator output.
type SparkResult struct {
	Text     string
	Category SparkCategory
}

// SparkFn returns a conceptual spark. Failure surfaces a recoverable,
// non-blocking warning and aborts nothing.
type SparkFn func(ctx context.Context, req *SparkRequest) (*SparkResult, error)

// Collaborators groups the injected generative functions. Respond, Summarize
// and Decide are required; the rest are optional and simply skipped when nil.
type Collaborators struct {
	Respond   ResponseFn
	Summarize SummarizeFn
	Visualize VisualizeFn
	Decide    DecideFn
	Echo      EchoFn
	Spark     SparkFn
}

// sanitize clamps every summarizer field to its cap.
func (r *SummaryResult) sanitize() {
	r.Summary = truncateWords(strings.TrimSpace(r.Summary), MaxSummaryWords)
	r.Analysis = truncateWords(strings.TrimSpace(r.Analysis), MaxAnalysisWords)
	if len(r.KeyLearnings) > MaxKeyLearnings {
		r.KeyLearnings = r.KeyLearnings[:MaxKeyLearnings]
	}
	for i, l := range r.KeyLearnings {
		r.KeyLearnings[i] = truncateRunes(strings.TrimSpace(l), MaxLearningChars)
	}
}
