package feedback

import (
	"github.com/gekko3d/vtex/vt/core"
	"golang.org/x/exp/slices"
)

// RequestSet is the deduplicated set of tiles one frame asked for.
type RequestSet struct {
	m map[core.TileCoord]struct{}
}

func NewRequestSet() *RequestSet {
	return &RequestSet{m: make(map[core.TileCoord]struct{})}
}

// Add inserts coord and reports whether it was new.
func (s *RequestSet) Add(coord core.TileCoord) bool {
	if _, ok := s.m[coord]; ok {
		return false
	}
	s.m[coord] = struct{}{}
	return true
}

func (s *RequestSet) Contains(coord core.TileCoord) bool {
	if s == nil {
		return false
	}
	_, ok := s.m[coord]
	return ok
}

func (s *RequestSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}

// Coords returns the set coarse mips first, then row-major.
func (s *RequestSet) Coords() []core.TileCoord {
	if s == nil {
		return nil
	}
	out := make([]core.TileCoord, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	slices.SortFunc(out, core.Compare)
	return out
}
