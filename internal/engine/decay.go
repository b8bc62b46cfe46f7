// Package engine contains the backend-independent knowledge graph logic:
// confidence decay, search planning, traversal, analytics, embedding job
// management, and the result cache. Everything here works on snapshots from
// a storage.GraphStore so both backends share one implementation.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/synapse/pkg/types"
)

// DecayOptions control the exponential confidence decay view.
type DecayOptions struct {
	// HalfLifeDays is the age at which confidence halves (default: 30).
	HalfLifeDays float64

	// MinConfidence is the floor decayed confidence never drops below
	// (default: 0.1).
	MinConfidence float64
}

func (o *DecayOptions) applyDefaults() {
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = 30
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.1
	}
}

// DecayedView returns the current graph with relation confidences decayed by
// edge age. The decay is a read-time view: stored rows are never modified.
//
//	c' = max(minConfidence, c * exp(ln(0.5) * age / halfLife))
//
// Relations without a confidence are left untouched. Age is measured from
// valid_from: only a new version resets the decay clock, an in-place merge
// of the same triple does not.
func (kg *KnowledgeGraph) DecayedView(ctx context.Context, opts DecayOptions) (*types.DecayedGraph, error) {
	opts.applyDefaults()

	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("decayed view: %w", err)
	}

	now := time.Now().UTC()
	halfLifeMs := opts.HalfLifeDays * 24 * 60 * 60 * 1000
	decayRate := math.Log(0.5) / halfLifeMs

	relations := make([]types.Relation, len(g.Relations))
	for i := range g.Relations {
		rel := g.Relations[i]
		if rel.Confidence != nil {
			ageMs := float64(now.Sub(rel.ValidFrom).Milliseconds())
			if ageMs < 0 {
				ageMs = 0
			}
			decayed := *rel.Confidence * math.Exp(decayRate*ageMs)
			if decayed < opts.MinConfidence {
				decayed = opts.MinConfidence
			}
			rel.Confidence = &decayed
		}
		relations[i] = rel
	}

	return &types.DecayedGraph{
		Graph: types.Graph{Entities: g.Entities, Relations: relations},
		Decay: types.DecayInfo{
			HalfLifeDays:  opts.HalfLifeDays,
			MinConfidence: opts.MinConfidence,
			DecayRate:     decayRate,
			ComputedAt:    now,
		},
	}, nil
}
