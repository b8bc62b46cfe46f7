package types

import (
	"fmt"
	"strings"
	"time"
)

// UnparseableMetadataKey is the side field under which raw relation metadata
// is preserved when the stored blob cannot be parsed as JSON. The read that
// encounters it logs a warning instead of failing.
const UnparseableMetadataKey = "_unparseable_metadata"

// Relation is a directed, typed edge between two entities, identified by the
// triple (From, To, RelationType) among current versions. Relations carry the
// same bitemporal metadata as entities; deletion is soft (ValidTo is set).
type Relation struct {
	// ID is the opaque version id of this edge row.
	ID string `json:"id"`

	// From and To are entity names (not version ids).
	From string `json:"from"`
	To   string `json:"to"`

	// RelationType is the edge label (e.g. "KNOWS", "DEPENDS_ON").
	RelationType string `json:"relationType"`

	// Strength and Confidence are optional qualifiers in [0, 1].
	Strength   *float64 `json:"strength,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// Metadata is an open map of additional edge attributes.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
	ChangedBy string     `json:"changedBy,omitempty"`
}

// IsCurrent reports whether this row is the current version of its triple.
func (r *Relation) IsCurrent() bool {
	return r.ValidTo == nil
}

// Key returns the identifying triple for this relation.
func (r *Relation) Key() RelationKey {
	return RelationKey{From: r.From, To: r.To, RelationType: r.RelationType}
}

// Weight returns the traversal weight for weighted path finding:
// 1/strength, or 1.0 when strength is unset or zero.
func (r *Relation) Weight() float64 {
	if r.Strength != nil && *r.Strength > 0 {
		return 1.0 / *r.Strength
	}
	return 1.0
}

// Validate checks the structural preconditions for storing a relation.
func (r *Relation) Validate() error {
	if strings.TrimSpace(r.From) == "" || strings.TrimSpace(r.To) == "" {
		return fmt.Errorf("relation endpoints are required")
	}
	if strings.TrimSpace(r.RelationType) == "" {
		return fmt.Errorf("relation type is required for %s -> %s", r.From, r.To)
	}
	if r.Strength != nil && (*r.Strength < 0 || *r.Strength > 1) {
		return fmt.Errorf("relation strength %f out of range [0,1]", *r.Strength)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("relation confidence %f out of range [0,1]", *r.Confidence)
	}
	return nil
}

// RelationKey identifies a relation by its unique current triple.
type RelationKey struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// String renders the triple for log messages.
func (k RelationKey) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.From, k.RelationType, k.To)
}
