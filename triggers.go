package evoagent

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ──────────────────────────────────────────────
// Echo Synthesis & Conceptual Spark — ephemeral side processes
// ──────────────────────────────────────────────
//
// Both are low-stakes background tasks. Neither mutates the persona or the
// exchange counters; both re-check the busy flags at fire time because the
// stagger delay may have let a cycle start in the meantime, and an echo read
// mid-commit would capture an interleaved snapshot.

// runEchoSynthesis appends one ephemeral echo-tagged message. Failures are
// dropped silently: nothing user-visible rides on an echo.
func (e *Engine) runEchoSynthesis(ctx context.Context) {
	if e.collab.Echo == nil || e.closed.Load() {
		return
	}
	if e.anyBusy() {
		e.logger.Debug("echo skipped, task in flight")
		return
	}

	text, err := e.collab.Echo(ctx, &EchoRequest{
		Persona:       e.Persona(),
		RecentSummary: transcriptGlimpse(e.log.Recent(6), MaxEchoSummaryChars),
	})
	if err != nil {
		e.logger.Debug("echo synthesis failed", zap.Error(err))
		return
	}
	text = truncateRunes(strings.TrimSpace(text), MaxEchoChars)
	if text == "" {
		return
	}

	m := newMessage(SenderSystem, text)
	m.Payload = &MessagePayload{Kind: PayloadEcho, Echo: &EchoRecord{Text: text}}
	e.appendMessage(m, false)
}

// runConceptualSpark appends a spark-tagged message and parks the spark text
// in the single-slot holder consumed by the next meta-learning cycle.
// Failure surfaces a recoverable, non-blocking warning.
func (e *Engine) runConceptualSpark(ctx context.Context) {
	if e.collab.Spark == nil || e.closed.Load() {
		return
	}
	if e.responseBusy.Load() || e.cycleBusy.Load() {
		e.logger.Debug("spark skipped, task in flight")
		return
	}
	if !e.sparkBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.sparkBusy.Store(false)

	res, err := e.collab.Spark(ctx, &SparkRequest{
		Topic:   truncateRunes(lastUserText(e.log), MaxSparkTopicChars),
		Persona: e.Persona(),
		Stage:   e.Stage(),
	})
	if err == nil && res == nil {
		err = errors.New("spark generator returned nil result")
	}
	if err != nil {
		e.logger.Warn("conceptual spark failed", zap.Error(err))
		if e.hooks.OnWarning != nil {
			e.hooks.OnWarning("spark", err)
		}
		return
	}

	text := truncateRunes(strings.TrimSpace(res.Text), MaxSparkChars)
	if text == "" {
		return
	}
	category := res.Category
	if !category.Valid() {
		category = DefaultSparkCategory
	}

	e.setSpark(text)
	m := newMessage(SenderSystem, text)
	m.Payload = &MessagePayload{Kind: PayloadSpark, Spark: &SparkRecord{Text: text, Category: category}}
	e.appendMessage(m, false)
}

// transcriptGlimpse renders the tail of a window as "sender: text" lines,
// bounded to maxChars.
func transcriptGlimpse(window []Message, maxChars int) string {
	var b strings.Builder
	for _, m := range window {
		if m.Sender == SenderSystem {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(string(m.Sender))
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return truncateRunes(b.String(), maxChars)
}

// lastUserText returns the most recent user message text, or "".
func lastUserText(log *messageLog) string {
	recent := log.Recent(MaxRecentTurns)
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Sender == SenderUser {
			return recent[i].Text
		}
	}
	return ""
}
