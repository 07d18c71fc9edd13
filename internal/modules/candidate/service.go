// README: Candidate service loads the three pools concurrently into one immutable snapshot.
package candidate

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"scrapdispatch/internal/geo"
	"scrapdispatch/internal/types"
)

// Source is the read side of the candidate pools.
type Source interface {
	ListActiveScrapYards(ctx context.Context) ([]ScrapYard, error)
	ListActiveCollectors(ctx context.Context, role string) ([]Collector, error)
	ListActiveCrews(ctx context.Context) ([]Crew, error)
}

type Service struct {
	source Source
}

func NewService(source Source) *Service {
	return &Service{source: source}
}

// LoadSnapshot fetches yards, collectors and crews in parallel and returns
// only after all three have settled. A failing pool does not cancel the
// others; the failure is recorded on Snapshot.Err.
func (s *Service) LoadSnapshot(ctx context.Context, role string) *Snapshot {
	var (
		yards      []ScrapYard
		collectors []Collector
		crews      []Crew
		yardErr    error
		collErr    error
		crewErr    error
	)

	var g errgroup.Group
	g.Go(func() error {
		yards, yardErr = s.source.ListActiveScrapYards(ctx)
		return nil
	})
	g.Go(func() error {
		collectors, collErr = s.source.ListActiveCollectors(ctx, role)
		return nil
	})
	g.Go(func() error {
		crews, crewErr = s.source.ListActiveCrews(ctx)
		return nil
	})
	_ = g.Wait()

	failed := map[Pool]error{}
	if yardErr != nil {
		failed[PoolYards] = yardErr
		yards = nil
	}
	if collErr != nil {
		failed[PoolCollectors] = collErr
		collectors = nil
	}
	if crewErr != nil {
		failed[PoolCrews] = crewErr
		crews = nil
	}

	var loadErr *LoadError
	if len(failed) > 0 {
		loadErr = &LoadError{Failed: failed}
		log.Printf("op=candidate.LoadSnapshot err=%v", loadErr)
	}
	return NewSnapshot(yards, collectors, crews, loadErr)
}

// YardOption is a yard with its straight-line distance from the pickup.
// DistanceKm is nil when the order or the yard has no coordinates.
type YardOption struct {
	Yard       ScrapYard
	DistanceKm *float64
}

// RankYards orders the snapshot's yards by distance from origin, closest
// first; yards with unknown distance follow, by name.
func RankYards(snap *Snapshot, origin *types.Point) []YardOption {
	out := make([]YardOption, 0, len(snap.Yards))
	for _, y := range snap.Yards {
		opt := YardOption{Yard: y}
		if d, ok := geo.Between(origin, y.Location); ok {
			opt.DistanceKm = &d
		}
		out = append(out, opt)
	}
	geo.SortByDistance(out,
		func(o YardOption) (float64, bool) {
			if o.DistanceKm == nil {
				return 0, false
			}
			return *o.DistanceKm, true
		},
		func(a, b YardOption) bool {
			if a.Yard.Name != b.Yard.Name {
				return a.Yard.Name < b.Yard.Name
			}
			return a.Yard.ID < b.Yard.ID
		},
	)
	return out
}
