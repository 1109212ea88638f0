package tracking

import (
	"fmt"

	"github.com/banshee-data/blobtrack/internal/tracking/kalman"
)

// TrackID is a stable handle to a track in a TrackSet. Handles of removed
// tracks never resolve again, even after their slot is reused. The zero
// value is never issued.
type TrackID struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether id is the zero handle.
func (id TrackID) IsZero() bool { return id.gen == 0 }

func (id TrackID) String() string {
	return fmt.Sprintf("%d.%d", id.slot, id.gen)
}

// ParseTrackID parses the form produced by TrackID.String.
func ParseTrackID(s string) (TrackID, error) {
	var id TrackID
	if _, err := fmt.Sscanf(s, "%d.%d", &id.slot, &id.gen); err != nil {
		return TrackID{}, fmt.Errorf("parse track id %q: %w", s, err)
	}
	if id.IsZero() || id.String() != s {
		return TrackID{}, fmt.Errorf("parse track id %q: malformed", s)
	}
	return id, nil
}

// Track is one tracked object.
type Track struct {
	ID     TrackID
	Serial uint64 // monotonic per tracker; drives Label

	Filter  *kalman.Filter
	Matched bool // associated in the most recent non-empty frame

	Hits       int    // measurements absorbed
	FirstFrame uint64 // tracker cycle that created the track
	LastFrame  uint64 // tracker cycle of the last update
}

// Label is the display name of the track.
func (t *Track) Label() string {
	return fmt.Sprintf("Track %d", t.Serial)
}

type slot struct {
	gen   uint32
	track *Track // nil when free
}

// TrackSet owns the live tracks. Iteration order is insertion order, which
// keeps prediction indices stable across a frame. It is not safe for
// concurrent use.
type TrackSet struct {
	slots []slot
	free  []uint32
	order []TrackID
}

// NewTrackSet returns an empty set.
func NewTrackSet() *TrackSet {
	return &TrackSet{}
}

// Insert adds a track built around f and returns its handle. The caller
// fills the remaining Track fields through Get.
func (s *TrackSet) Insert(f *kalman.Filter) TrackID {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[idx]
	sl.gen++
	id := TrackID{slot: idx, gen: sl.gen}
	sl.track = &Track{ID: id, Filter: f}
	s.order = append(s.order, id)
	return id
}

// Get resolves id to its track.
func (s *TrackSet) Get(id TrackID) (*Track, bool) {
	if id.IsZero() || int(id.slot) >= len(s.slots) {
		return nil, false
	}
	sl := s.slots[id.slot]
	if sl.gen != id.gen || sl.track == nil {
		return nil, false
	}
	return sl.track, true
}

// Remove deletes the track behind id and reports whether it was live.
func (s *TrackSet) Remove(id TrackID) bool {
	if _, ok := s.Get(id); !ok {
		return false
	}
	s.release(id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *TrackSet) release(id TrackID) {
	s.slots[id.slot].track = nil
	s.free = append(s.free, id.slot)
}

// Len returns the number of live tracks.
func (s *TrackSet) Len() int { return len(s.order) }

// IDs returns the live handles in insertion order.
func (s *TrackSet) IDs() []TrackID {
	out := make([]TrackID, len(s.order))
	copy(out, s.order)
	return out
}

// Each calls fn for every live track in insertion order.
func (s *TrackSet) Each(fn func(*Track)) {
	for _, id := range s.order {
		fn(s.slots[id.slot].track)
	}
}

// PruneUnmatched removes every track whose Matched flag is false and
// returns their handles in insertion order.
func (s *TrackSet) PruneUnmatched() []TrackID {
	var pruned []TrackID
	for _, id := range s.order {
		if !s.slots[id.slot].track.Matched {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		s.Remove(id)
	}
	return pruned
}

// ResetMatched clears the Matched flag of every live track.
func (s *TrackSet) ResetMatched() {
	s.Each(func(t *Track) { t.Matched = false })
}
