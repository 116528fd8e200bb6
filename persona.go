package evoagent

import (
	"strings"
	"unicode/utf8"
)

// ──────────────────────────────────────────────
// Persona — the evolving parameter bundle
// ──────────────────────────────────────────────
//
// The persona is the single source of truth for how the agent speaks,
// which UI variant it renders under, and what it is currently trying to
// achieve. It is created once per session with fixed defaults and mutated
// only by the meta-learning cycle committing a validated candidate.

// ResponseStyle controls the agent's speaking register.
type ResponseStyle string

const (
	StyleNeutral    ResponseStyle = "neutral"
	StyleConcise    ResponseStyle = "concise"
	StylePlayful    ResponseStyle = "playful"
	StyleReflective ResponseStyle = "reflective"
	StyleAnalytical ResponseStyle = "analytical"
)

// Valid reports whether the style is a member of the closed set.
func (s ResponseStyle) Valid() bool {
	switch s {
	case StyleNeutral, StyleConcise, StylePlayful, StyleReflective, StyleAnalytical:
		return true
	}
	return false
}

// UIVariant selects the rendering theme suggested by the last evolution.
type UIVariant string

const (
	UIDefault  UIVariant = "default"
	UIAurora   UIVariant = "aurora"
	UIMidnight UIVariant = "midnight"
	UISolar    UIVariant = "solar"
	UIVerdant  UIVariant = "verdant"
)

func (v UIVariant) Valid() bool {
	switch v {
	case UIDefault, UIAurora, UIMidnight, UISolar, UIVerdant:
		return true
	}
	return false
}

// EmotionalTone is the coarse affect label shown alongside the numeric axes.
type EmotionalTone string

const (
	ToneCalm        EmotionalTone = "calm"
	ToneCurious     EmotionalTone = "curious"
	ToneExcited     EmotionalTone = "excited"
	ToneMelancholic EmotionalTone = "melancholic"
	ToneSerene      EmotionalTone = "serene"
)

func (t EmotionalTone) Valid() bool {
	switch t {
	case ToneCalm, ToneCurious, ToneExcited, ToneMelancholic, ToneSerene:
		return true
	}
	return false
}

// KnowledgeLevel is the self-presented depth the persona claims.
type KnowledgeLevel string

const (
	KnowledgeNovice       KnowledgeLevel = "novice"
	KnowledgeIntermediate KnowledgeLevel = "intermediate"
	KnowledgeAdept        KnowledgeLevel = "adept"
	KnowledgeExpert       KnowledgeLevel = "expert"
	KnowledgeSage         KnowledgeLevel = "sage"
)

func (k KnowledgeLevel) Valid() bool {
	switch k {
	case KnowledgeNovice, KnowledgeIntermediate, KnowledgeAdept, KnowledgeExpert, KnowledgeSage:
		return true
	}
	return false
}

// Field limits enforced on personas and decision candidates.
const (
	MaxResonanceFragmentChars = 100
	MaxGoalTextChars          = 100
	MaxGoalMetricChars        = 50
	MaxGoalMetrics            = 2
)

// DefaultResonanceFragment is substituted when no fragment exists to retain.
const DefaultResonanceFragment = "Stay present; answer with warmth and precision."

// AffectiveState is the two-axis emotional model. Both axes live in [-1,1].
type AffectiveState struct {
	Valence float64 `json:"valence" yaml:"valence"`
	Arousal float64 `json:"arousal" yaml:"arousal"`
}

// Clamped returns a copy with both axes clamped into [-1,1].
func (a AffectiveState) Clamped() AffectiveState {
	return AffectiveState{
		Valence: clampAxis(a.Valence),
		Arousal: clampAxis(a.Arousal),
	}
}

// InBounds reports whether both axes are inside [-1,1].
func (a AffectiveState) InBounds() bool {
	return a.Valence >= -1 && a.Valence <= 1 && a.Arousal >= -1 && a.Arousal <= 1
}

func clampAxis(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// AffectiveBand is a preferred [Min,Max] interval for one affect axis.
type AffectiveBand struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// AffectiveRange is the homeostatic comfort band per axis.
type AffectiveRange struct {
	Valence AffectiveBand `json:"valence"`
	Arousal AffectiveBand `json:"arousal"`
}

// InteractionGoal is an ephemeral short-term objective, superseded each cycle.
type InteractionGoal struct {
	Text           string   `json:"text"`
	SuccessMetrics []string `json:"successMetrics"`
}

// Persona bundles every parameter governing the agent's observable behavior.
type Persona struct {
	ResponseStyle           ResponseStyle    `json:"responseStyle"`
	UIVariant               UIVariant        `json:"uiVariant"`
	EmotionalTone           EmotionalTone    `json:"emotionalTone"`
	KnowledgeLevel          KnowledgeLevel   `json:"knowledgeLevel"`
	ResonancePromptFragment string           `json:"resonancePromptFragment"`
	AffectiveState          AffectiveState   `json:"affectiveState"`
	HomeostaticRange        *AffectiveRange  `json:"homeostaticAffectiveRange,omitempty"`
	CurrentAffectiveGoal    *AffectiveState  `json:"currentAffectiveGoal,omitempty"`
	CurrentInteractionGoal  *InteractionGoal `json:"currentInteractionGoal,omitempty"`
}

// DefaultPersona is the fixed session-start persona.
func DefaultPersona() Persona {
	return Persona{
		ResponseStyle:           StyleNeutral,
		UIVariant:               UIDefault,
		EmotionalTone:           ToneCalm,
		KnowledgeLevel:          KnowledgeNovice,
		ResonancePromptFragment: DefaultResonanceFragment,
		AffectiveState:          AffectiveState{Valence: 0.1, Arousal: 0.0},
		HomeostaticRange: &AffectiveRange{
			Valence: AffectiveBand{Min: -0.2, Max: 0.7},
			Arousal: AffectiveBand{Min: -0.5, Max: 0.5},
		},
	}
}

// Clone returns a deep copy. Readers of the persona slot always receive
// clones so no later commit can be observed mid-mutation.
func (p Persona) Clone() Persona {
	out := p
	if p.HomeostaticRange != nil {
		r := *p.HomeostaticRange
		out.HomeostaticRange = &r
	}
	if p.CurrentAffectiveGoal != nil {
		g := *p.CurrentAffectiveGoal
		out.CurrentAffectiveGoal = &g
	}
	if p.CurrentInteractionGoal != nil {
		g := *p.CurrentInteractionGoal
		g.SuccessMetrics = append([]string(nil), p.CurrentInteractionGoal.SuccessMetrics...)
		out.CurrentInteractionGoal = &g
	}
	return out
}

// enumsValid reports whether all four closed-enumeration fields are in domain.
func (p Persona) enumsValid() bool {
	return p.ResponseStyle.Valid() && p.UIVariant.Valid() &&
		p.EmotionalTone.Valid() && p.KnowledgeLevel.Valid()
}

// truncateRunes cuts s to at most max runes, preserving whole runes.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

// truncateWords cuts s to at most max whitespace-separated words.
func truncateWords(s string, max int) string {
	if max <= 0 {
		return s
	}
	fields := strings.Fields(s)
	if len(fields) <= max {
		return s
	}
	return strings.Join(fields[:max], " ")
}
