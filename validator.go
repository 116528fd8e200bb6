package evoagent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// ──────────────────────────────────────────────
// Validator & Fallback — persona integrity at the decider boundary
// ──────────────────────────────────────────────
//
// The evolution decider is a generative collaborator: its output is raw JSON
// and is never trusted. Structural shape is checked against a compiled JSON
// Schema, then cross-field consistency against the candidate persona. A
// candidate is accepted whole or rejected whole; rejection yields a
// deterministic fallback that leaves the current persona intact.

// EvolutionDecision is a validated candidate from the evolution decider.
type EvolutionDecision struct {
	Persona                 Persona          `json:"persona"`
	UISuggestion            UIVariant        `json:"uiSuggestion"`
	InsightText             string           `json:"insightText"`
	ResonancePromptFragment string           `json:"resonancePromptFragment"`
	ModulationStrategy      string           `json:"modulationStrategy,omitempty"`
	InteractionGoal         *InteractionGoal `json:"interactionGoal,omitempty"`
}

// recalibratingInsight is the generic insight attached to fallback decisions.
const recalibratingInsight = "Recalibrating: the last evolution signal was inconsistent, holding steady."

const decisionSchemaJSON = `{
  "type": "object",
  "required": ["persona", "uiSuggestion", "insightText", "resonancePromptFragment"],
  "properties": {
    "persona": {
      "type": "object",
      "required": ["responseStyle", "uiVariant", "emotionalTone", "knowledgeLevel",
                   "resonancePromptFragment", "affectiveState"],
      "properties": {
        "responseStyle":  {"enum": ["neutral", "concise", "playful", "reflective", "analytical"]},
        "uiVariant":      {"enum": ["default", "aurora", "midnight", "solar", "verdant"]},
        "emotionalTone":  {"enum": ["calm", "curious", "excited", "melancholic", "serene"]},
        "knowledgeLevel": {"enum": ["novice", "intermediate", "adept", "expert", "sage"]},
        "resonancePromptFragment": {"type": "string", "maxLength": 100},
        "affectiveState": {
          "type": "object",
          "required": ["valence", "arousal"],
          "properties": {
            "valence": {"type": "number", "minimum": -1, "maximum": 1},
            "arousal": {"type": "number", "minimum": -1, "maximum": 1}
          }
        },
        "homeostaticAffectiveRange": {
          "type": "object",
          "required": ["valence", "arousal"],
          "properties": {
            "valence": {"$ref": "#/$defs/band"},
            "arousal": {"$ref": "#/$defs/band"}
          }
        },
        "currentAffectiveGoal": {
          "type": "object",
          "required": ["valence", "arousal"],
          "properties": {
            "valence": {"type": "number", "minimum": -1, "maximum": 1},
            "arousal": {"type": "number", "minimum": -1, "maximum": 1}
          }
        },
        "currentInteractionGoal": {"$ref": "#/$defs/goal"}
      }
    },
    "uiSuggestion": {"enum": ["default", "aurora", "midnight", "solar", "verdant"]},
    "insightText": {"type": "string"},
    "resonancePromptFragment": {"type": "string", "maxLength": 100},
    "modulationStrategy": {"type": "string"},
    "interactionGoal": {"$ref": "#/$defs/goal"}
  },
  "$defs": {
    "band": {
      "type": "object",
      "required": ["min", "max"],
      "properties": {
        "min": {"type": "number", "minimum": -1, "maximum": 1},
        "max": {"type": "number", "minimum": -1, "maximum": 1}
      }
    },
    "goal": {
      "type": "object",
      "required": ["text", "successMetrics"],
      "properties": {
        "text": {"type": "string", "maxLength": 100},
        "successMetrics": {
          "type": "array",
          "minItems": 1,
          "maxItems": 2,
          "items": {"type": "string", "maxLength": 50}
        }
      }
    }
  }
}`

var (
	decisionSchemaOnce sync.Once
	decisionSchema     *jsonschema.Schema
)

func compiledDecisionSchema() *jsonschema.Schema {
	decisionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("decision.json", strings.NewReader(decisionSchemaJSON)); err != nil {
			panic(fmt.Sprintf("evoagent: decision schema resource: %v", err))
		}
		s, err := c.Compile("decision.json")
		if err != nil {
			panic(fmt.Sprintf("evoagent: decision schema compile: %v", err))
		}
		decisionSchema = s
	})
	return decisionSchema
}

// DecisionValidator checks raw decider payloads.
type DecisionValidator struct {
	logger *zap.Logger
}

// NewDecisionValidator creates a validator. A nil logger defaults to nop.
func NewDecisionValidator(logger *zap.Logger) *DecisionValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionValidator{logger: logger.Named("validator")}
}

// Validate checks structure and cross-field consistency of a raw candidate.
// On any violation the received payload is logged and an error returned; the
// caller then commits FallbackDecision instead. No partial merge ever occurs.
func (v *DecisionValidator) Validate(raw json.RawMessage) (*EvolutionDecision, error) {
	dec, err := v.check(raw)
	if err != nil {
		v.logger.Warn("rejecting evolution candidate",
			zap.Error(err),
			zap.ByteString("payload", raw))
		return nil, err
	}
	return dec, nil
}

func (v *DecisionValidator) check(raw json.RawMessage) (*EvolutionDecision, error) {
	var shape interface{}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("decision payload is not JSON: %w", err)
	}
	if err := compiledDecisionSchema().Validate(shape); err != nil {
		return nil, fmt.Errorf("decision payload fails schema: %w", err)
	}

	var dec EvolutionDecision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return nil, fmt.Errorf("decision payload decode: %w", err)
	}

	// The schema already bounds shapes and enum domains; re-check the
	// invariants the engine relies on so they hold independent of the schema.
	if !dec.Persona.enumsValid() {
		return nil, fmt.Errorf("persona enum out of domain")
	}
	if !dec.UISuggestion.Valid() {
		return nil, fmt.Errorf("uiSuggestion %q out of domain", dec.UISuggestion)
	}
	if !dec.Persona.AffectiveState.InBounds() {
		return nil, fmt.Errorf("affectiveState out of [-1,1]: %+v", dec.Persona.AffectiveState)
	}
	if dec.Persona.CurrentAffectiveGoal != nil && !dec.Persona.CurrentAffectiveGoal.InBounds() {
		return nil, fmt.Errorf("currentAffectiveGoal out of [-1,1]")
	}

	// Cross-field consistency between the top-level decision fields and the
	// candidate persona embedded in it.
	if dec.UISuggestion != dec.Persona.UIVariant {
		return nil, fmt.Errorf("uiSuggestion %q != persona.uiVariant %q",
			dec.UISuggestion, dec.Persona.UIVariant)
	}
	if dec.ResonancePromptFragment != dec.Persona.ResonancePromptFragment {
		return nil, fmt.Errorf("resonance fragment mismatch: top-level %q vs persona %q",
			dec.ResonancePromptFragment, dec.Persona.ResonancePromptFragment)
	}
	if (dec.InteractionGoal == nil) != (dec.Persona.CurrentInteractionGoal == nil) {
		return nil, fmt.Errorf("interaction goal present/absent mismatch")
	}
	if dec.InteractionGoal != nil &&
		!cmp.Equal(dec.InteractionGoal, dec.Persona.CurrentInteractionGoal) {
		return nil, fmt.Errorf("interaction goal not deep-equal to persona goal")
	}

	return &dec, nil
}

// FallbackDecision synthesizes the safe substitute for a rejected candidate:
// the current persona is retained unchanged, the resonance fragment keeps its
// existing value (or the fixed default when empty), the UI variant stays put,
// and a generic recalibrating insight is attached.
func FallbackDecision(current Persona) *EvolutionDecision {
	p := current.Clone()
	if p.ResonancePromptFragment == "" {
		p.ResonancePromptFragment = DefaultResonanceFragment
	}
	return &EvolutionDecision{
		Persona:                 p,
		UISuggestion:            p.UIVariant,
		InsightText:             recalibratingInsight,
		ResonancePromptFragment: p.ResonancePromptFragment,
		InteractionGoal:         p.CurrentInteractionGoal,
	}
}
