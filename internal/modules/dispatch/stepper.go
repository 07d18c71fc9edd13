// README: DispatchStepper, the synchronous state machine behind one session.
// It performs no I/O; Session drives the route estimate and the commit.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"scrapdispatch/internal/modules/candidate"
	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/types"
)

// RouteRequest identifies one route estimate. Key covers the order and yard
// coordinates so that a late result for a stale yard is dropped.
type RouteRequest struct {
	Key         string
	Origin      types.Point
	Destination types.Point
}

type Stepper struct {
	order  order.Order
	policy Policy

	step       Step
	draft      *Draft
	snap       *candidate.Snapshot
	committing bool
	lastErr    string
	routeKey   string
}

// NewStepper always starts at yard selection, even for an order that already
// carries a complete assignment. snap may be nil while candidates load.
func NewStepper(o order.Order, snap *candidate.Snapshot, p Policy) *Stepper {
	return &Stepper{
		order:  o,
		policy: p,
		step:   StepYardSelection,
		draft:  SeedDraft(o.Assignment),
		snap:   snap,
	}
}

func (s *Stepper) Step() Step { return s.step }
func (s *Stepper) Loading() bool { return s.snap == nil }
func (s *Stepper) Committing() bool { return s.committing }
func (s *Stepper) LastError() string { return s.lastErr }
func (s *Stepper) Order() order.Order { return s.order }
func (s *Stepper) Policy() Policy { return s.policy }
func (s *Stepper) Snapshot() *candidate.Snapshot { return s.snap }

// Draft returns a copy of the current draft; nil after cancel.
func (s *Stepper) Draft() *Draft {
	if s.draft == nil {
		return nil
	}
	return s.draft.Clone()
}

// SetSnapshot ends the loading state. A snapshot is only ever set once.
func (s *Stepper) SetSnapshot(snap *candidate.Snapshot) {
	if s.snap != nil || snap == nil {
		return
	}
	s.snap = snap
}

func (s *Stepper) mutable() error {
	if s.step.Terminal() {
		return ErrSessionClosed
	}
	if s.committing {
		return ErrCommitInProgress
	}
	return nil
}

// fail records a validation failure for the view and returns it.
func (s *Stepper) fail(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		s.lastErr = ve.Message
	}
	return err
}

func (s *Stepper) SelectYard(id types.ID) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.snap == nil {
		return ErrLoading
	}
	if _, ok := s.snap.Yard(id); !ok {
		return s.fail(invalid(MsgUnknownYard))
	}
	if s.draft.YardID == nil || *s.draft.YardID != id {
		// The draft drops its estimate, so the next entry into review must
		// request it again even when the yard is switched back.
		s.routeKey = ""
	}
	s.draft.SelectYard(id)
	return nil
}

// ToggleCollector adds or removes id. Removal is allowed for ids no longer in
// the snapshot so that a stale seeded assignment can be cleaned up.
func (s *Stepper) ToggleCollector(id types.ID) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if !s.draft.HasCollector(id) {
		if s.snap == nil {
			return ErrLoading
		}
		if _, ok := s.snap.Collector(id); !ok {
			return s.fail(invalid(MsgUnknownMember))
		}
	}
	s.draft.ToggleCollector(id)
	return nil
}

// SelectCrew replaces the crew; nil clears it.
func (s *Stepper) SelectCrew(id *types.ID) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if id != nil {
		if s.snap == nil {
			return ErrLoading
		}
		if _, ok := s.snap.Crew(*id); !ok {
			return s.fail(invalid(MsgUnknownCrew))
		}
	}
	s.draft.SelectCrew(id)
	return nil
}

func (s *Stepper) SetSchedule(start, end *time.Time) error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.draft.SetSchedule(start, end)
	return nil
}

func (s *Stepper) SetNotes(text string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.draft.SetNotes(text)
	return nil
}

// Next advances one step when the gate for the current step passes. On review
// it is a no-op.
func (s *Stepper) Next() error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.snap == nil {
		return ErrLoading
	}
	to := s.step.forward()
	if to == s.step {
		return nil
	}
	if err := gate(s.step, s.draft, s.policy); err != nil {
		return s.fail(err)
	}
	if !CanTransition(s.step, to) {
		return fmt.Errorf("dispatch: transition %s -> %s not allowed", s.step, to)
	}
	s.step = to
	s.lastErr = ""
	return nil
}

// Back moves one step back without evaluating any gate.
func (s *Stepper) Back() error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.step = s.step.backward()
	s.lastErr = ""
	return nil
}

// Cancel discards the draft. Not allowed while a commit is outstanding.
func (s *Stepper) Cancel() error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.step = StepCancelled
	s.draft = nil
	s.lastErr = ""
	return nil
}

// currentRouteKey is empty when either side lacks coordinates.
func (s *Stepper) currentRouteKey() (RouteRequest, bool) {
	if s.draft == nil || s.draft.YardID == nil || s.order.Pickup == nil || s.snap == nil {
		return RouteRequest{}, false
	}
	yard, ok := s.snap.Yard(*s.draft.YardID)
	if !ok || yard.Location == nil {
		return RouteRequest{}, false
	}
	origin, dest := *s.order.Pickup, *yard.Location
	return RouteRequest{
		Key: fmt.Sprintf("%s|%s|%.6f,%.6f|%.6f,%.6f", s.order.ID, yard.ID,
			origin.Lat, origin.Lng, dest.Lat, dest.Lng),
		Origin:      origin,
		Destination: dest,
	}, true
}

// TakeRouteRequest returns the estimate to fire after entering review. It
// returns false when the same route was already requested.
func (s *Stepper) TakeRouteRequest() (RouteRequest, bool) {
	if s.step != StepReviewAndConfirm {
		return RouteRequest{}, false
	}
	req, ok := s.currentRouteKey()
	if !ok || req.Key == s.routeKey {
		return RouteRequest{}, false
	}
	s.routeKey = req.Key
	return req, true
}

// ApplyRoute stores an estimate if it still matches the draft. It reports
// whether the draft changed.
func (s *Stepper) ApplyRoute(key, distance, duration string) bool {
	if s.step.Terminal() {
		return false
	}
	cur, ok := s.currentRouteKey()
	if !ok || cur.Key != key {
		return false
	}
	return s.draft.ApplyRouteEstimate(distance, duration)
}

// RouteFailed lets the next entry into review retry the same route.
func (s *Stepper) RouteFailed(key string) {
	if s.routeKey == key {
		s.routeKey = ""
	}
}

// BeginConfirm re-validates the draft, enters the committing sub-state and
// returns the command for the committer.
func (s *Stepper) BeginConfirm() (order.AssignCommand, error) {
	if err := s.mutable(); err != nil {
		return order.AssignCommand{}, err
	}
	if s.step != StepReviewAndConfirm {
		return order.AssignCommand{}, ErrNotReviewing
	}
	if err := checkCommit(s.draft, s.policy); err != nil {
		return order.AssignCommand{}, s.fail(err)
	}
	s.committing = true
	s.lastErr = ""
	return s.command(), nil
}

// FinishConfirm leaves the committing sub-state. A nil error commits the
// session; otherwise it stays on review with the message surfaced.
func (s *Stepper) FinishConfirm(err error) {
	s.committing = false
	if err == nil {
		s.step = StepCommitted
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

func (s *Stepper) command() order.AssignCommand {
	d := s.draft
	cmd := order.AssignCommand{
		OrderID:       s.order.ID,
		YardID:        *d.YardID,
		CollectorIDs:  d.CollectorIDs(),
		CrewID:        cloneID(d.CrewID),
		StartTime:     cloneTime(d.StartTime),
		EndTime:       cloneTime(d.EndTime),
		Notes:         d.Notes,
		RouteDistance: cloneString(d.RouteDistance),
		RouteDuration: cloneString(d.RouteDuration),
	}
	if s.policy.RequireOrderVersion {
		v := s.order.AssignmentVersion
		cmd.ExpectedVersion = &v
	}
	return cmd
}
