package types

import "time"

// Graph is a snapshot of entities and the relations among them. Depending on
// the operation that produced it, it holds either current versions only
// (LoadGraph, SearchNodes) or the versions valid at a point in time
// (GraphAtTime).
type Graph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// EntityByName returns the entity with the given name, or nil.
func (g *Graph) EntityByName(name string) *Entity {
	for i := range g.Entities {
		if g.Entities[i].Name == name {
			return &g.Entities[i]
		}
	}
	return nil
}

// EntityNames returns the set of entity names in the snapshot.
func (g *Graph) EntityNames() map[string]struct{} {
	names := make(map[string]struct{}, len(g.Entities))
	for i := range g.Entities {
		names[g.Entities[i].Name] = struct{}{}
	}
	return names
}

// InducedRelations returns the relations whose endpoints are both contained
// in the given name set. Search results use this to avoid returning edges
// that dangle outside the current page.
func (g *Graph) InducedRelations(names map[string]struct{}) []Relation {
	induced := make([]Relation, 0, len(g.Relations))
	for _, r := range g.Relations {
		if _, ok := names[r.From]; !ok {
			continue
		}
		if _, ok := names[r.To]; !ok {
			continue
		}
		induced = append(induced, r)
	}
	return induced
}

// DecayedGraph is the current graph with exponentially decayed relation
// confidences, plus the parameters the projection was computed with.
type DecayedGraph struct {
	Graph
	Decay DecayInfo `json:"decayInfo"`
}

// DecayInfo reports the decay parameters applied to a DecayedGraph.
type DecayInfo struct {
	HalfLifeDays  float64   `json:"halfLifeDays"`
	MinConfidence float64   `json:"minConfidence"`
	DecayRate     float64   `json:"decayRate"` // ln(0.5) / half-life in ms
	ComputedAt    time.Time `json:"computedAt"`
}
