package evoagent

import "strings"

// ──────────────────────────────────────────────
// Sentiment inference — lightweight weighted keyword scoring
// ──────────────────────────────────────────────
//
// Zero-cost rule-based signal fed into the evolution decider: a coarse
// sentiment label over the recent user window, plus a dissonance note when
// the detected sentiment opposes the persona's own valence.

// Sentiment labels.
const (
	SentimentNeutral  = "neutral"
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentAnxious  = "anxious"
)

// Sentiment is a detected label with its confidence.
type Sentiment struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type weightedKeyword struct {
	keyword string
	weight  float64
}

// SentimentDetector scores user text against weighted keyword patterns.
type SentimentDetector struct {
	patterns map[string][]weightedKeyword
}

// NewSentimentDetector creates a detector with the built-in patterns.
func NewSentimentDetector() *SentimentDetector {
	return &SentimentDetector{patterns: defaultSentimentPatterns()}
}

func defaultSentimentPatterns() map[string][]weightedKeyword {
	return map[string][]weightedKeyword{
		SentimentNegative: {
			{keyword: "terrible", weight: 0.5}, {keyword: "useless", weight: 0.5},
			{keyword: "hate", weight: 0.4}, {keyword: "awful", weight: 0.4},
			{keyword: "wrong", weight: 0.3}, {keyword: "disappointed", weight: 0.4},
			{keyword: "annoying", weight: 0.4}, {keyword: "wtf", weight: 0.5},
		},
		SentimentAnxious: {
			{keyword: "hurry", weight: 0.4}, {keyword: "asap", weight: 0.4},
			{keyword: "urgent", weight: 0.4}, {keyword: "quickly", weight: 0.3},
			{keyword: "deadline", weight: 0.3}, {keyword: "worried", weight: 0.4},
		},
		SentimentPositive: {
			// Lower weights: needs multiple hits, guards against sarcasm.
			{keyword: "love", weight: 0.3}, {keyword: "great", weight: 0.3},
			{keyword: "awesome", weight: 0.3}, {keyword: "thanks", weight: 0.3},
			{keyword: "nice", weight: 0.3}, {keyword: "wonderful", weight: 0.3},
		},
	}
}

// Detect scores the given user texts and returns the dominant sentiment.
// Confidence below 0.3 collapses to neutral.
func (d *SentimentDetector) Detect(texts []string) Sentiment {
	scores := map[string]float64{}
	for _, text := range texts {
		lower := strings.ToLower(text)
		for label, keywords := range d.patterns {
			for _, kw := range keywords {
				if strings.Contains(lower, kw.keyword) {
					scores[label] += kw.weight
				}
			}
		}
	}

	top := SentimentNeutral
	topScore := 0.0
	for label, score := range scores {
		if score > topScore {
			topScore = score
			top = label
		}
	}

	if topScore < 0.3 {
		return Sentiment{Label: SentimentNeutral}
	}
	if topScore > 1.0 {
		topScore = 1.0
	}
	return Sentiment{Label: top, Confidence: topScore}
}

// DissonanceNote describes a mismatch between detected user sentiment and the
// persona's current valence, or "" when they are compatible.
func DissonanceNote(s Sentiment, p Persona) string {
	switch {
	case s.Label == SentimentNegative && p.AffectiveState.Valence >= 0.3:
		return "user sentiment reads negative while persona valence is high"
	case s.Label == SentimentAnxious && p.AffectiveState.Arousal <= -0.3:
		return "user sentiment reads anxious while persona arousal is low"
	case s.Label == SentimentPositive && p.AffectiveState.Valence <= -0.3:
		return "user sentiment reads positive while persona valence is low"
	}
	return ""
}
