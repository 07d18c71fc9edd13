// README: Order aggregate as seen by dispatch, its assignment and status definitions.
package order

import (
	"time"

	"scrapdispatch/internal/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusCollected Status = "collected"
	StatusCancelled Status = "cancelled"
)

type Order struct {
	ID                types.ID
	CustomerName      string
	PickupAddress     string
	Pickup            *types.Point
	Status            Status
	AssignmentVersion int
	Assignment        *Assignment
	CreatedAt         time.Time
}

// Assignment is the persisted dispatch commitment of an order.
type Assignment struct {
	YardID        *types.ID
	CollectorIDs  []types.ID
	CrewID        *types.ID
	StartTime     *time.Time
	EndTime       *time.Time
	Notes         string
	RouteDistance *string
	RouteDuration *string
	AssignedAt    *time.Time
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	Version    int
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow as code. Assigned may be
// re-assigned to itself when a dispatcher edits an existing assignment.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusAssigned, StatusCollected, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
