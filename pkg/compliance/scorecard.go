package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fincollab/govcore/pkg/canonicalize"
)

// Dimension is one axis of a workspace's compliance posture.
type Dimension struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"` // 0-1
}

// Score rates one workspace on one dimension. EvidenceRef points at the
// ledger entity backing the score, so every claim is checkable.
type Score struct {
	DimensionID string  `json:"dimensionId"`
	Value       float64 `json:"value"` // 0-100
	EvidenceRef string  `json:"evidenceRef,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Scorecard is a workspace's weighted compliance assessment. ContentHash
// covers the card's canonical form; a regenerated card with the same
// inputs hashes identically.
type Scorecard struct {
	WorkspaceID string      `json:"workspaceId"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Dimensions  []Dimension `json:"dimensions"`
	Scores      []Score     `json:"scores"`
	WeightedAvg float64     `json:"weightedAvg"`
	ContentHash string      `json:"contentHash"`
}

// ScorecardBuilder accumulates dimensions and per-workspace scores.
type ScorecardBuilder struct {
	mu         sync.Mutex
	dimensions []Dimension
	scores     map[string][]Score // workspaceID -> scores
	clock      func() time.Time
}

func NewScorecardBuilder() *ScorecardBuilder {
	return &ScorecardBuilder{
		scores: make(map[string][]Score),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (b *ScorecardBuilder) WithClock(clock func() time.Time) *ScorecardBuilder {
	b.clock = clock
	return b
}

// AddDimension registers a scoring axis. Weights are normalized at build
// time, so they need not sum to 1.
func (b *ScorecardBuilder) AddDimension(d Dimension) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dimensions = append(b.dimensions, d)
}

// SetScore records a workspace's score on a dimension, replacing any
// earlier score for the same dimension.
func (b *ScorecardBuilder) SetScore(workspaceID string, s Score) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	known := false
	for _, d := range b.dimensions {
		if d.ID == s.DimensionID {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("scorecard: unknown dimension %q", s.DimensionID)
	}
	if s.Value < 0 || s.Value > 100 {
		return fmt.Errorf("scorecard: score %.2f out of range", s.Value)
	}

	existing := b.scores[workspaceID]
	for i := range existing {
		if existing[i].DimensionID == s.DimensionID {
			existing[i] = s
			return nil
		}
	}
	b.scores[workspaceID] = append(existing, s)
	return nil
}

// Build assembles the workspace's scorecard. Unscored dimensions count
// as zero.
func (b *ScorecardBuilder) Build(workspaceID string) (*Scorecard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	card := &Scorecard{
		WorkspaceID: workspaceID,
		GeneratedAt: b.clock().UTC(),
		Dimensions:  append([]Dimension(nil), b.dimensions...),
		Scores:      append([]Score(nil), b.scores[workspaceID]...),
	}
	sort.Slice(card.Scores, func(i, j int) bool {
		return card.Scores[i].DimensionID < card.Scores[j].DimensionID
	})

	var totalWeight, weighted float64
	byDim := make(map[string]float64, len(card.Scores))
	for _, s := range card.Scores {
		byDim[s.DimensionID] = s.Value
	}
	for _, d := range card.Dimensions {
		totalWeight += d.Weight
		weighted += byDim[d.ID] * d.Weight
	}
	if totalWeight > 0 {
		card.WeightedAvg = weighted / totalWeight
	}

	hash, err := hashScorecard(card)
	if err != nil {
		return nil, err
	}
	card.ContentHash = hash
	return card, nil
}

// hashScorecard hashes the card minus the hash field itself, over its
// canonical JSON form.
func hashScorecard(card *Scorecard) (string, error) {
	payload := map[string]interface{}{
		"workspaceId": card.WorkspaceID,
		"weightedAvg": card.WeightedAvg,
	}
	scores := make([]interface{}, 0, len(card.Scores))
	for _, s := range card.Scores {
		scores = append(scores, map[string]interface{}{
			"dimensionId": s.DimensionID,
			"value":       s.Value,
			"evidenceRef": s.EvidenceRef,
		})
	}
	payload["scores"] = scores

	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("scorecard: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
