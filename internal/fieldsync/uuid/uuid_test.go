package uuid

import (
	"testing"

	"github.com/google/uuid"
)

func TestRandom_Unique(t *testing.T) {
	var g Generator = Random{}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.GenerateID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("GenerateID() = %q, not a uuid: %v", id, err)
		}
	}
}

func TestTimeOrdered_Version(t *testing.T) {
	id, err := uuid.Parse(TimeOrdered{}.GenerateID())
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("Version() = %d, want 7", id.Version())
	}
}

func TestSequence(t *testing.T) {
	s := &Sequence{IDs: []string{"a", "b"}}
	if s.GenerateID() != "a" || s.GenerateID() != "b" {
		t.Error("Sequence returned ids out of order")
	}
	defer func() {
		if recover() == nil {
			t.Error("exhausted Sequence did not panic")
		}
	}()
	s.GenerateID()
}
