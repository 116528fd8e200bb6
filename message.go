package evoagent

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ──────────────────────────────────────────────
// Messages — append-only session transcript
// ──────────────────────────────────────────────

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// PayloadKind tags the structured payload carried by system messages.
type PayloadKind string

const (
	PayloadEvolution   PayloadKind = "evolution"
	PayloadEcho        PayloadKind = "echo"
	PayloadSpark       PayloadKind = "spark"
	PayloadSummary     PayloadKind = "summary"
	PayloadStageChange PayloadKind = "stage_change"
	PayloadLearning    PayloadKind = "learning"
)

// EvolutionRecord carries before/after persona snapshots for audit.
type EvolutionRecord struct {
	Before             Persona `json:"before"`
	After              Persona `json:"after"`
	InsightText        string  `json:"insightText"`
	ModulationStrategy string  `json:"modulationStrategy,omitempty"`
	FellBack           bool    `json:"fellBack"`
}

// SummaryRecord bundles one cycle's summarization artifacts.
type SummaryRecord struct {
	Summary         string `json:"summary"`
	AnalysisExcerpt string `json:"analysisExcerpt"`
	ImageRef        string `json:"imageRef,omitempty"`
	GoalEvaluation  string `json:"goalEvaluation,omitempty"`
}

// EchoRecord marks an ephemeral internal-echo message.
type EchoRecord struct {
	Text string `json:"text"`
}

// SparkRecord carries a conceptual spark and its category.
type SparkRecord struct {
	Text     string        `json:"text"`
	Category SparkCategory `json:"category"`
}

// StageChangeRecord notes a growth-stage transition.
type StageChangeRecord struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// LearningRecord notes one newly crystallized memory.
type LearningRecord struct {
	Text string `json:"text"`
}

// MessagePayload is the tagged union attached to structured messages.
// Exactly the field matching Kind is populated.
type MessagePayload struct {
	Kind        PayloadKind        `json:"kind"`
	Evolution   *EvolutionRecord   `json:"evolution,omitempty"`
	Summary     *SummaryRecord     `json:"summary,omitempty"`
	Echo        *EchoRecord        `json:"echo,omitempty"`
	Spark       *SparkRecord       `json:"spark,omitempty"`
	StageChange *StageChangeRecord `json:"stageChange,omitempty"`
	Learning    *LearningRecord    `json:"learning,omitempty"`
}

// Message is one transcript entry. Messages are append-only; the persona
// snapshot, when present, is captured at creation time and never mutated.
type Message struct {
	ID              string          `json:"id"`
	Text            string          `json:"text"`
	Sender          Sender          `json:"sender"`
	Timestamp       time.Time       `json:"timestamp"`
	Payload         *MessagePayload `json:"payload,omitempty"`
	PersonaSnapshot *Persona        `json:"personaSnapshot,omitempty"`
}

func newMessage(sender Sender, text string) Message {
	return Message{
		ID:        ulid.Make().String(),
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now(),
	}
}

// messageLog is the thread-safe append-only transcript container.
type messageLog struct {
	mu   sync.RWMutex
	msgs []Message
}

func newMessageLog() *messageLog {
	return &messageLog{}
}

func (l *messageLog) Append(m Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
	return m
}

// Recent returns copies of the last n messages, oldest first.
func (l *messageLog) Recent(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.msgs) {
		n = len(l.msgs)
	}
	out := make([]Message, n)
	copy(out, l.msgs[len(l.msgs)-n:])
	return out
}

// All returns a copy of the full transcript.
func (l *messageLog) All() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *messageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// CountBySender returns the number of transcript entries from one sender.
func (l *messageLog) CountBySender(s Sender) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.msgs {
		if m.Sender == s {
			n++
		}
	}
	return n
}
