// README: Order store backed by PostgreSQL; assignment writes are transactional and versioned.
package order

import (
	"context"
	"errors"
	"time"

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

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, customer_name, pickup_address, pickup_lat, pickup_lng,
               status, assignment_version, created_at,
               yard_id, crew_id, start_time, end_time, notes,
               route_distance, route_duration, assigned_at
        FROM orders
        WHERE id = $1`, string(id),
	)

	var o Order
	var lat, lng *float64
	var yardID, crewID *string
	var notes *string
	a := Assignment{}

	err := row.Scan(
		&o.ID, &o.CustomerName, &o.PickupAddress, &lat, &lng,
		&o.Status, &o.AssignmentVersion, &o.CreatedAt,
		&yardID, &crewID, &a.StartTime, &a.EndTime, &notes,
		&a.RouteDistance, &a.RouteDuration, &a.AssignedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Pickup = types.PointPtr(lat, lng)
	a.YardID = toIDPtr(yardID)
	a.CrewID = toIDPtr(crewID)
	if notes != nil {
		a.Notes = *notes
	}

	rows, err := s.db.Query(ctx, `
        SELECT collector_id FROM order_collectors
        WHERE order_id = $1
        ORDER BY position`, string(id))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, c := range ids {
		a.CollectorIDs = append(a.CollectorIDs, types.ID(c))
	}

	if a.YardID != nil || a.CrewID != nil || len(a.CollectorIDs) > 0 {
		o.Assignment = &a
	}
	return &o, nil
}

// SaveAssignment writes the assignment and the collector rows in one
// transaction. When version is non-nil the row must still carry that
// assignment_version. It reports false when no row matched.
func (s *Store) SaveAssignment(ctx context.Context, id types.ID, from Status, version *int, a Assignment) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
        UPDATE orders
        SET status = $1,
            assignment_version = assignment_version + 1,
            yard_id = $2,
            crew_id = $3,
            start_time = $4,
            end_time = $5,
            notes = $6,
            route_distance = $7,
            route_duration = $8,
            assigned_at = $9
        WHERE id = $10 AND status = $11 AND ($12::int IS NULL OR assignment_version = $12)`,
		string(StatusAssigned),
		toStringPtr(a.YardID),
		toStringPtr(a.CrewID),
		a.StartTime,
		a.EndTime,
		a.Notes,
		a.RouteDistance,
		a.RouteDuration,
		a.AssignedAt,
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM order_collectors WHERE order_id = $1`, string(id)); err != nil {
		return false, err
	}
	batch := &pgx.Batch{}
	for i, c := range a.CollectorIDs {
		batch.Queue(`INSERT INTO order_collectors (order_id, collector_id, position) VALUES ($1, $2, $3)`,
			string(id), string(c), i)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO order_assignment_events (
            order_id, from_status, to_status, actor_type, version, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		e.Version,
		e.CreatedAt,
	)
	return err
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func timePtr(t time.Time) *time.Time {
	return &t
}
