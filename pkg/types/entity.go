// Package types defines the core domain types for the Synapse knowledge graph:
// entities, relations, observations, and the bitemporal metadata they carry.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Entity is a named node in the knowledge graph. Every mutation of an entity
// produces a new version row; the version with ValidTo == nil is the current
// one. Name is globally unique among current versions.
type Entity struct {
	// ID is the opaque version id (one per row, not per name).
	ID string `json:"id"`

	// Name is the caller-assigned identifier, unique among current entities.
	Name string `json:"name"`

	// EntityType is a short classification label (e.g. "Person", "Project").
	EntityType string `json:"entityType"`

	// Observations is an ordered list of distinct observation strings.
	Observations []string `json:"observations"`

	// Embedding is the dense vector attached to this entity, if one has been
	// generated. It is populated asynchronously by the embedding job manager.
	Embedding *EntityEmbedding `json:"embedding,omitempty"`

	// Version is monotonic per name, starting at 1.
	Version int `json:"version"`

	// CreatedAt is constant across all versions sharing a name.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is the wall-clock time of the mutation that produced this row.
	UpdatedAt time.Time `json:"updatedAt"`

	// ValidFrom / ValidTo delimit the validity interval of this version.
	// ValidTo == nil marks the current version.
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`

	// ChangedBy is a free-form audit tag recording who performed the mutation.
	ChangedBy string `json:"changedBy,omitempty"`
}

// EntityEmbedding holds a dense vector plus provenance for an entity.
type EntityEmbedding struct {
	Vector      []float32 `json:"vector"`
	Model       string    `json:"model"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// IsCurrent reports whether this row is the current version of its name.
func (e *Entity) IsCurrent() bool {
	return e.ValidTo == nil
}

// HasObservation reports whether the entity already carries the given
// observation string (exact match).
func (e *Entity) HasObservation(obs string) bool {
	for _, o := range e.Observations {
		if o == obs {
			return true
		}
	}
	return false
}

// ObservationText returns the entity's observations joined by newlines.
// This is the canonical embedding input for the entity.
func (e *Entity) ObservationText() string {
	return strings.Join(e.Observations, "\n")
}

// Validate checks the structural preconditions for storing an entity.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity name is required")
	}
	seen := make(map[string]struct{}, len(e.Observations))
	for _, o := range e.Observations {
		if _, dup := seen[o]; dup {
			return fmt.Errorf("entity %q has duplicate observation %q", e.Name, o)
		}
		seen[o] = struct{}{}
	}
	return nil
}

// EntityUpdate describes a partial update to an entity. Nil fields are left
// unchanged; non-nil fields are merged over the current version.
type EntityUpdate struct {
	EntityType   *string  `json:"entityType,omitempty"`
	Observations []string `json:"observations,omitempty"`
	ChangedBy    string   `json:"changedBy,omitempty"`
}

// TouchesText reports whether applying this update can change the entity's
// observation text. Type-only updates skip embedding regeneration.
func (u *EntityUpdate) TouchesText() bool {
	return u.Observations != nil
}

// ObservationDelta names an entity and the observation strings to add to it.
type ObservationDelta struct {
	Name      string   `json:"entityName"`
	Contents  []string `json:"contents"`
	ChangedBy string   `json:"changedBy,omitempty"`
}

// ObservationAddition reports which observations were actually added to an
// entity (duplicates are filtered out before the version bump).
type ObservationAddition struct {
	Name              string   `json:"entityName"`
	AddedObservations []string `json:"addedObservations"`
}

// ObservationRemoval names an entity and the observation strings to remove.
type ObservationRemoval struct {
	Name         string   `json:"entityName"`
	Observations []string `json:"observations"`
	ChangedBy    string   `json:"changedBy,omitempty"`
}
