package evoagent

import (
	"fmt"
	"sort"
)

// ──────────────────────────────────────────────
// Evolution Stage Calculator — pure count → ordinal mapping
// ──────────────────────────────────────────────

// DefaultStageThresholds are the cumulative exchange counts at which the
// persona advances a growth stage.
var DefaultStageThresholds = []int{5, 12, 20, 30}

// StageNames label the ordinal stages for display and log output.
var StageNames = []string{"nascent", "awakening", "exploring", "maturing", "luminous"}

// StageCalculator maps a cumulative exchange count to a growth stage.
// It is pure and idempotent: the same count always yields the same stage.
type StageCalculator struct {
	thresholds []int
}

// NewStageCalculator builds a calculator over an ascending threshold list.
func NewStageCalculator(thresholds []int) (*StageCalculator, error) {
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("stage thresholds must not be empty")
	}
	if !sort.IntsAreSorted(thresholds) {
		return nil, fmt.Errorf("stage thresholds must be ascending: %v", thresholds)
	}
	for i, t := range thresholds {
		if t <= 0 {
			return nil, fmt.Errorf("stage threshold %d must be positive, got %d", i, t)
		}
		if i > 0 && thresholds[i-1] == t {
			return nil, fmt.Errorf("stage thresholds must be strictly ascending: %v", thresholds)
		}
	}
	return &StageCalculator{thresholds: append([]int(nil), thresholds...)}, nil
}

// StageFor returns the stage for a cumulative exchange count:
// the highest i+1 with count >= thresholds[i], clamped to MaxStage, 0 otherwise.
func (c *StageCalculator) StageFor(count int) int {
	stage := 0
	for i, t := range c.thresholds {
		if count >= t {
			stage = i + 1
		} else {
			break
		}
	}
	return stage
}

// MaxStage is the highest stage the threshold list defines.
func (c *StageCalculator) MaxStage() int {
	return len(c.thresholds)
}

// IsThreshold reports whether count sits exactly on a threshold boundary.
func (c *StageCalculator) IsThreshold(count int) bool {
	for _, t := range c.thresholds {
		if count == t {
			return true
		}
		if t > count {
			break
		}
	}
	return false
}

// StageName returns the display label for a stage, or "unknown" out of range.
func StageName(stage int) string {
	if stage < 0 || stage >= len(StageNames) {
		return "unknown"
	}
	return StageNames[stage]
}
