package evoagent

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ──────────────────────────────────────────────
// Meta-Learning Cycle — summarize → crystallize → visualize → decide → commit
// ──────────────────────────────────────────────
//
// Single-flight: the cycle busy flag is claimed on entry with a CAS and
// released in a defer, so it clears on every exit path. A singleflight group
// additionally collapses duplicate admissions landing in the same tick.

const cycleAbortText = "Reflection failed: this cycle was abandoned before any change was made."

// runMetaLearningCycle is the only entry point; concurrent callers share one
// execution.
func (e *Engine) runMetaLearningCycle(ctx context.Context) {
	e.cycleGroup.Do("meta-learning", func() (interface{}, error) {
		e.doCycle(ctx)
		return nil, nil
	})
}

func (e *Engine) doCycle(ctx context.Context) {
	if !e.cycleBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.cycleBusy.Store(false)

	log := e.logger.Named("cycle")
	e.tracer.NewTrace()

	before := e.Persona()
	window := e.log.Recent(e.cfg.RecentWindow)

	// 1. Summarize — the one fatal step. Failure aborts the whole cycle with
	// zero persona mutation and exactly one error message.
	span := e.tracer.StartSpan("summarize")
	res, err := e.collab.Summarize(ctx, &SummaryRequest{
		Window:       window,
		PreviousGoal: before.CurrentInteractionGoal,
	})
	if err == nil && res == nil {
		err = errors.New("summarizer returned nil result")
	}
	if err != nil {
		e.tracer.EndSpan(span, "error", err.Error())
		log.Error("summarize failed, aborting cycle", zap.Error(err))
		e.appendMessage(newMessage(SenderSystem, cycleAbortText), true)
		return
	}
	e.tracer.EndSpan(span, "ok", "")
	res.sanitize()

	// 2. Crystallize up to three key learnings; one message per admission.
	span = e.tracer.StartSpan("crystallize")
	admitted := e.memory.Merge(res.KeyLearnings, time.Now())
	for _, text := range admitted {
		m := newMessage(SenderSystem, "Crystallized: "+text)
		m.Payload = &MessagePayload{Kind: PayloadLearning, Learning: &LearningRecord{Text: text}}
		e.appendMessage(m, false)
	}
	e.writeThroughMemories()
	e.tracer.EndSpan(span, "ok", "")

	// 3. Visualize — best effort. The cycle continues without an image.
	imageRef := ""
	if e.collab.Visualize != nil {
		span = e.tracer.StartSpan("visualize")
		ref, verr := e.collab.Visualize(ctx, &VisualizeRequest{
			Analysis:      truncateRunes(res.Analysis, MaxVisualizerChars),
			UIVariant:     before.UIVariant,
			LearningsText: strings.Join(admitted, "; "),
		})
		if verr != nil {
			e.tracer.EndSpan(span, "error", verr.Error())
			log.Warn("visualization failed, continuing without image", zap.Error(verr))
			if e.hooks.OnWarning != nil {
				e.hooks.OnWarning("visualizer", verr)
			}
		} else {
			imageRef = ref
			e.tracer.EndSpan(span, "ok", "")
		}
	}

	// 4. One bundled summary message.
	sm := newMessage(SenderSystem, res.Summary)
	sm.Payload = &MessagePayload{Kind: PayloadSummary, Summary: &SummaryRecord{
		Summary:         res.Summary,
		AnalysisExcerpt: truncateRunes(res.Analysis, MaxAnalysisExcerpt),
		ImageRef:        imageRef,
		GoalEvaluation:  res.GoalEvaluation,
	}}
	e.appendMessage(sm, false)

	// 5. Decide evolution. Sentiment and dissonance fall back to the local
	// detector when the summarizer did not supply them.
	det := e.detector.Detect(recentUserTexts(window))
	sentiment := res.Sentiment
	if sentiment == "" {
		sentiment = det.Label
	}
	dissonance := res.Dissonance
	if dissonance == "" {
		dissonance = DissonanceNote(det, before)
	}

	spark := e.peekSpark()
	span = e.tracer.StartSpan("decide")
	raw, derr := e.collab.Decide(ctx, &EvolutionRequest{
		Analysis:       res.Analysis,
		Persona:        before,
		Stage:          e.Stage(),
		LastSpark:      spark,
		Sentiment:      sentiment,
		Dissonance:     dissonance,
		GoalEvaluation: res.GoalEvaluation,
	})

	// 6. Validate and commit. Any malformed or inconsistent candidate — and
	// a decider transport failure, which yields no candidate at all — resolves
	// to the deterministic fallback so the persona never lands in a partially
	// updated state.
	fellBack := false
	var dec *EvolutionDecision
	if derr != nil {
		e.tracer.EndSpan(span, "error", derr.Error())
		log.Warn("decider failed, committing fallback", zap.Error(derr))
		dec = FallbackDecision(before)
		fellBack = true
	} else {
		e.tracer.EndSpan(span, "ok", "")
		span = e.tracer.StartSpan("validate")
		if v, verr := e.validator.Validate(raw); verr != nil {
			e.tracer.EndSpan(span, "error", verr.Error())
			dec = FallbackDecision(before)
			fellBack = true
		} else {
			e.tracer.EndSpan(span, "ok", "")
			dec = v
		}
	}

	span = e.tracer.StartSpan("commit")
	if !fellBack {
		e.clearSpark()
	}
	after := e.commitPersona(dec.Persona)
	e.tracer.EndSpan(span, "ok", "")

	// 7. Insight message with before/after snapshots for audit.
	im := newMessage(SenderSystem, dec.InsightText)
	im.Payload = &MessagePayload{Kind: PayloadEvolution, Evolution: &EvolutionRecord{
		Before:             before,
		After:              after,
		InsightText:        dec.InsightText,
		ModulationStrategy: dec.ModulationStrategy,
		FellBack:           fellBack,
	}}
	e.appendMessage(im, true)

	log.Info("cycle committed",
		zap.Bool("fell_back", fellBack),
		zap.String("ui_variant", string(after.UIVariant)),
		zap.Int("memories", e.memory.Len()))
}

// recentUserTexts extracts user-authored texts from a message window.
func recentUserTexts(window []Message) []string {
	var out []string
	for _, m := range window {
		if m.Sender == SenderUser {
			out = append(out, m.Text)
		}
	}
	return out
}
