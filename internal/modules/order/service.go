// README: Order service reads orders for dispatch and persists assignments.
package order

import (
	"context"
	"errors"
	"log"
	"time"

	"scrapdispatch/internal/platform/obs"
	"scrapdispatch/internal/types"
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
	SaveAssignment(ctx context.Context, id types.ID, from Status, version *int, a Assignment) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

type Service struct {
	store Repository
	now   func() time.Time
}

func NewService(store Repository) *Service {
	return &Service{store: store, now: time.Now}
}

var (
	ErrInvalidState = errors.New("order can no longer be assigned")
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order was modified by another dispatcher")
	ErrBadRequest   = errors.New("bad request")
)

// AssignCommand carries one dispatch commitment. ExpectedVersion, when set,
// must match the order's current assignment version.
type AssignCommand struct {
	OrderID         types.ID
	ExpectedVersion *int
	YardID          types.ID
	CollectorIDs    []types.ID
	CrewID          *types.ID
	StartTime       *time.Time
	EndTime         *time.Time
	Notes           string
	RouteDistance   *string
	RouteDuration   *string
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Assign persists the assignment atomically. A lost optimistic-version race
// returns ErrConflict.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) (err error) {
	defer obs.Time(ctx, "order.Assign")(&err)

	if cmd.OrderID == "" || cmd.YardID == "" {
		return ErrBadRequest
	}
	if len(cmd.CollectorIDs) == 0 && cmd.CrewID == nil {
		return ErrBadRequest
	}

	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusAssigned) {
		return ErrInvalidState
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != o.AssignmentVersion {
		return ErrConflict
	}

	now := s.now()
	yard := cmd.YardID
	ok, err := s.store.SaveAssignment(ctx, o.ID, o.Status, cmd.ExpectedVersion, Assignment{
		YardID:        &yard,
		CollectorIDs:  cmd.CollectorIDs,
		CrewID:        cmd.CrewID,
		StartTime:     cmd.StartTime,
		EndTime:       cmd.EndTime,
		Notes:         cmd.Notes,
		RouteDistance: cmd.RouteDistance,
		RouteDuration: cmd.RouteDuration,
		AssignedAt:    timePtr(now),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err := s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusAssigned,
		ActorType:  "dispatcher",
		Version:    o.AssignmentVersion + 1,
		CreatedAt:  now,
	}); err != nil {
		log.Printf("op=order.AppendEvent order_id=%s err=%v", o.ID, err)
	}
	return nil
}
