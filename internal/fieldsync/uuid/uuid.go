// Package uuid generates ids for new observations without a server round trip.
package uuid

import "github.com/google/uuid"

// Generator returns globally unique ids.
type Generator interface {
	GenerateID() string
}

// Random generates version 4 UUIDs.
type Random struct{}

// GenerateID implements Generator.
func (Random) GenerateID() string {
	return uuid.NewString()
}

// TimeOrdered generates version 7 UUIDs, which sort by creation time.
type TimeOrdered struct{}

// GenerateID implements Generator.
func (TimeOrdered) GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Sequence returns ids from a fixed list, then panics. For tests.
type Sequence struct {
	IDs  []string
	next int
}

// GenerateID implements Generator.
func (s *Sequence) GenerateID() string {
	if s.next >= len(s.IDs) {
		panic("uuid: sequence exhausted")
	}
	id := s.IDs[s.next]
	s.next++
	return id
}
