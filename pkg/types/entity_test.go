package types

import (
	"testing"
	"time"
)

func TestEntityValidate(t *testing.T) {
	e := Entity{Name: "alice", Observations: []string{"a", "b"}}
	if err := e.Validate(); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}

	e = Entity{Name: "   "}
	if err := e.Validate(); err == nil {
		t.Fatal("blank name accepted")
	}

	e = Entity{Name: "alice", Observations: []string{"a", "a"}}
	if err := e.Validate(); err == nil {
		t.Fatal("duplicate observations accepted")
	}
}

func TestEntityObservationText(t *testing.T) {
	e := Entity{Observations: []string{"first", "second"}}
	if got := e.ObservationText(); got != "first\nsecond" {
		t.Fatalf("ObservationText = %q", got)
	}

	empty := Entity{}
	if got := empty.ObservationText(); got != "" {
		t.Fatalf("ObservationText on empty entity = %q", got)
	}
}

func TestEntityHasObservation(t *testing.T) {
	e := Entity{Observations: []string{"likes tea"}}
	if !e.HasObservation("likes tea") {
		t.Fatal("exact match not found")
	}
	if e.HasObservation("likes Tea") {
		t.Fatal("matching must be exact, not case-insensitive")
	}
}

func TestEntityIsCurrent(t *testing.T) {
	e := Entity{}
	if !e.IsCurrent() {
		t.Fatal("nil ValidTo must be current")
	}
	closed := time.Now()
	e.ValidTo = &closed
	if e.IsCurrent() {
		t.Fatal("closed row reported current")
	}
}

func TestEntityUpdateTouchesText(t *testing.T) {
	newType := "person"
	typeOnly := EntityUpdate{EntityType: &newType}
	if typeOnly.TouchesText() {
		t.Fatal("type-only update should not touch observation text")
	}

	withObs := EntityUpdate{Observations: []string{"x"}}
	if !withObs.TouchesText() {
		t.Fatal("observation update must touch observation text")
	}

	emptyObs := EntityUpdate{Observations: []string{}}
	if !emptyObs.TouchesText() {
		t.Fatal("replacing observations with an empty list still changes text")
	}
}
