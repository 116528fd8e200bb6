package evoagent

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ──────────────────────────────────────────────
// Crystallized Memory — bounded, deduplicated, FIFO
// ──────────────────────────────────────────────

// DefaultMemoryCap is the maximum number of crystallized memories retained.
const DefaultMemoryCap = 7

// CrystallizedMemory is one short distilled fact kept for context injection.
type CrystallizedMemory struct {
	Text        string    `json:"text"`
	Fingerprint uint64    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MemoryBank holds the ordered crystallized-memory set. Inserting beyond the
// cap evicts the oldest entries first; duplicates (after normalization) are
// dropped.
type MemoryBank struct {
	mu      sync.Mutex
	cap     int
	entries []CrystallizedMemory
}

// NewMemoryBank creates a bank. cap <= 0 falls back to DefaultMemoryCap.
func NewMemoryBank(cap int) *MemoryBank {
	if cap <= 0 {
		cap = DefaultMemoryCap
	}
	return &MemoryBank{cap: cap}
}

// memoryFingerprint hashes a learning after case and whitespace folding,
// so trivially restated facts do not occupy extra slots.
func memoryFingerprint(text string) uint64 {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return xxhash.Sum64String(norm)
}

// Merge admits up to MaxKeyLearnings new learnings, returning the texts that
// were actually admitted (empty and duplicate entries are skipped).
func (b *MemoryBank) Merge(learnings []string, now time.Time) []string {
	if len(learnings) > MaxKeyLearnings {
		learnings = learnings[:MaxKeyLearnings]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var admitted []string
	for _, raw := range learnings {
		text := truncateRunes(strings.TrimSpace(raw), MaxLearningChars)
		if text == "" {
			continue
		}
		fp := memoryFingerprint(text)
		if b.containsLocked(fp) {
			continue
		}
		b.entries = append(b.entries, CrystallizedMemory{
			Text:        text,
			Fingerprint: fp,
			CreatedAt:   now,
		})
		admitted = append(admitted, text)
	}

	if excess := len(b.entries) - b.cap; excess > 0 {
		b.entries = append([]CrystallizedMemory(nil), b.entries[excess:]...)
	}
	return admitted
}

func (b *MemoryBank) containsLocked(fp uint64) bool {
	for _, e := range b.entries {
		if e.Fingerprint == fp {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current entries, oldest first.
func (b *MemoryBank) Snapshot() []CrystallizedMemory {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CrystallizedMemory, len(b.entries))
	copy(out, b.entries)
	return out
}

// Texts returns up to limit memory texts, newest last. limit <= 0 means all.
func (b *MemoryBank) Texts(limit int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

// Len returns the current number of entries.
func (b *MemoryBank) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
