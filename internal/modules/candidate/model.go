// README: Candidate pools (scrap yards, collectors, crews) and the per-session snapshot.
package candidate

import (
	"fmt"
	"sort"
	"strings"

	"scrapdispatch/internal/types"
)

type ScrapYard struct {
	ID       types.ID
	Name     string
	Address  string
	Location *types.Point
	Active   bool
}

type Collector struct {
	ID       types.ID
	FullName string
	Phone    string
	Email    string
	ZoneID   *types.ID
	Role     string
	Active   bool
}

// Crew is a named group of collectors assignable as a unit. MemberIDs keeps
// the crew's own ordering.
type Crew struct {
	ID          types.ID
	Name        string
	Description string
	MemberIDs   []types.ID
	Active      bool
}

type Pool string

const (
	PoolYards      Pool = "scrap_yards"
	PoolCollectors Pool = "collectors"
	PoolCrews      Pool = "crews"
)

// LoadError reports which pools failed to load. The snapshot that comes with
// it is still usable with whatever did load.
type LoadError struct {
	Failed map[Pool]error
}

func (e *LoadError) Error() string {
	pools := e.Pools()
	parts := make([]string, 0, len(pools))
	for _, p := range pools {
		parts = append(parts, fmt.Sprintf("%s: %v", p, e.Failed[p]))
	}
	return "candidate load failed (" + strings.Join(parts, "; ") + ")"
}

// Pools returns the failed pool names in a stable order.
func (e *LoadError) Pools() []Pool {
	out := make([]Pool, 0, len(e.Failed))
	for p := range e.Failed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot is the point-in-time view of the candidate pools for one dispatch
// session. It is never refreshed; close and reopen the session for new data.
type Snapshot struct {
	Yards      []ScrapYard
	Collectors []Collector
	Crews      []Crew
	Err        *LoadError

	yards      map[types.ID]ScrapYard
	collectors map[types.ID]Collector
	crews      map[types.ID]Crew
}

func NewSnapshot(yards []ScrapYard, collectors []Collector, crews []Crew, loadErr *LoadError) *Snapshot {
	s := &Snapshot{
		Yards:      yards,
		Collectors: collectors,
		Crews:      crews,
		Err:        loadErr,
		yards:      make(map[types.ID]ScrapYard, len(yards)),
		collectors: make(map[types.ID]Collector, len(collectors)),
		crews:      make(map[types.ID]Crew, len(crews)),
	}
	for _, y := range yards {
		s.yards[y.ID] = y
	}
	for _, c := range collectors {
		s.collectors[c.ID] = c
	}
	for _, c := range crews {
		s.crews[c.ID] = c
	}
	return s
}

func (s *Snapshot) Yard(id types.ID) (ScrapYard, bool) {
	y, ok := s.yards[id]
	return y, ok
}

func (s *Snapshot) Collector(id types.ID) (Collector, bool) {
	c, ok := s.collectors[id]
	return c, ok
}

func (s *Snapshot) Crew(id types.ID) (Crew, bool) {
	c, ok := s.crews[id]
	return c, ok
}
