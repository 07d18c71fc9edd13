// README: Candidate store backed by PostgreSQL (read-only, active rows only).
package candidate

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scrapdispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ListActiveScrapYards(ctx context.Context) ([]ScrapYard, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, name, address, lat, lng
        FROM scrap_yards
        WHERE is_active
        ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScrapYard, error) {
		var y ScrapYard
		var lat, lng *float64
		if err := row.Scan(&y.ID, &y.Name, &y.Address, &lat, &lng); err != nil {
			return ScrapYard{}, err
		}
		y.Location = types.PointPtr(lat, lng)
		y.Active = true
		return y, nil
	})
}

// ListActiveCollectors returns active collectors; an empty role disables the
// role filter.
func (s *Store) ListActiveCollectors(ctx context.Context, role string) ([]Collector, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, full_name, phone, email, zone_id, role
        FROM collectors
        WHERE is_active AND ($1 = '' OR role = $1)
        ORDER BY full_name, id`, role)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Collector, error) {
		var c Collector
		var zone *string
		if err := row.Scan(&c.ID, &c.FullName, &c.Phone, &c.Email, &zone, &c.Role); err != nil {
			return Collector{}, err
		}
		if zone != nil {
			z := types.ID(*zone)
			c.ZoneID = &z
		}
		c.Active = true
		return c, nil
	})
}

func (s *Store) ListActiveCrews(ctx context.Context) ([]Crew, error) {
	rows, err := s.db.Query(ctx, `
        SELECT c.id, c.name, c.description,
               COALESCE(array_agg(m.collector_id ORDER BY m.position) FILTER (WHERE m.collector_id IS NOT NULL), '{}')
        FROM crews c
        LEFT JOIN crew_members m ON m.crew_id = c.id
        WHERE c.is_active
        GROUP BY c.id, c.name, c.description
        ORDER BY c.name, c.id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Crew, error) {
		var c Crew
		var members []string
		if err := row.Scan(&c.ID, &c.Name, &c.Description, &members); err != nil {
			return Crew{}, err
		}
		c.MemberIDs = make([]types.ID, len(members))
		for i, m := range members {
			c.MemberIDs[i] = types.ID(m)
		}
		c.Active = true
		return c, nil
	})
}
