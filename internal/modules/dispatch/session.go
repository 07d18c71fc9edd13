// README: Session serialises actions on one Stepper and runs its I/O: the
// background route estimate and the single outstanding commit.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"scrapdispatch/internal/maps"
	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/types"
)

type RouteEstimator interface {
	EstimateRoute(ctx context.Context, origin, destination types.Point) (maps.Estimate, error)
}

// Committer persists an assignment. order.Service satisfies it.
type Committer interface {
	Assign(ctx context.Context, cmd order.AssignCommand) error
}

type Publisher interface {
	PublishCommitted(ctx context.Context, e CommittedEvent) error
}

// CommittedEvent is published after a successful commit.
type CommittedEvent struct {
	SessionID    string     `json:"session_id"`
	OrderID      types.ID   `json:"order_id"`
	YardID       types.ID   `json:"yard_id"`
	CollectorIDs []types.ID `json:"collector_ids"`
	CrewID       *types.ID  `json:"crew_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	CommittedAt  time.Time  `json:"committed_at"`
}

type Session struct {
	ID string

	mu         sync.Mutex
	st         *Stepper
	lastActive time.Time

	estimator    RouteEstimator
	committer    Committer
	publisher    Publisher
	onSuccess     func(types.ID)
	successOnce   sync.Once
	routeTimeout  time.Duration
	commitTimeout time.Duration
	now           func() time.Time

	bg sync.WaitGroup
}

type sessionDeps struct {
	estimator     RouteEstimator
	committer     Committer
	publisher     Publisher
	routeTimeout  time.Duration
	commitTimeout time.Duration
	now           func() time.Time
}

func newSession(id string, st *Stepper, d sessionDeps, onSuccess func(types.ID)) *Session {
	now := d.now
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:            id,
		st:            st,
		lastActive:    now(),
		estimator:     d.estimator,
		committer:     d.committer,
		publisher:     d.publisher,
		onSuccess:     onSuccess,
		routeTimeout:  d.routeTimeout,
		commitTimeout: d.commitTimeout,
		now:           now,
	}
}

// Wait blocks until background work (candidate load, route estimate) settles.
func (s *Session) Wait() {
	s.bg.Wait()
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildView(s.ID, s.st)
}

func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Step()
}

// do runs fn under the session lock and returns the resulting view.
func (s *Session) do(fn func(st *Stepper) error) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	err := fn(s.st)
	return buildView(s.ID, s.st), err
}

func (s *Session) SelectYard(id types.ID) (View, error) {
	return s.do(func(st *Stepper) error { return st.SelectYard(id) })
}

func (s *Session) ToggleCollector(id types.ID) (View, error) {
	return s.do(func(st *Stepper) error { return st.ToggleCollector(id) })
}

func (s *Session) SelectCrew(id *types.ID) (View, error) {
	return s.do(func(st *Stepper) error { return st.SelectCrew(id) })
}

func (s *Session) SetSchedule(start, end *time.Time) (View, error) {
	return s.do(func(st *Stepper) error { return st.SetSchedule(start, end) })
}

func (s *Session) SetNotes(text string) (View, error) {
	return s.do(func(st *Stepper) error { return st.SetNotes(text) })
}

func (s *Session) Back() (View, error) {
	return s.do(func(st *Stepper) error { return st.Back() })
}

func (s *Session) Cancel() (View, error) {
	return s.do(func(st *Stepper) error { return st.Cancel() })
}

// Next advances and, on entering review, fires the route estimate without
// waiting for it.
func (s *Session) Next() (View, error) {
	var (
		req  RouteRequest
		fire bool
	)
	v, err := s.do(func(st *Stepper) error {
		if err := st.Next(); err != nil {
			return err
		}
		if s.estimator != nil {
			req, fire = st.TakeRouteRequest()
		}
		return nil
	})
	if fire {
		s.estimateRoute(req)
	}
	return v, err
}

func (s *Session) estimateRoute(req RouteRequest) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx := context.Background()
		if s.routeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.routeTimeout)
			defer cancel()
		}
		est, err := s.estimator.EstimateRoute(ctx, req.Origin, req.Destination)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			log.Printf("op=dispatch.EstimateRoute session_id=%s err=%v", s.ID, err)
			s.st.RouteFailed(req.Key)
			return
		}
		s.st.ApplyRoute(req.Key, est.Distance, est.Duration)
	}()
}

// Confirm commits the draft. The lock is not held during the committer call;
// the committing sub-state rejects every other action meanwhile. The commit
// outlives ctx cancellation and is bounded by the commit timeout instead.
func (s *Session) Confirm(ctx context.Context) (View, error) {
	s.mu.Lock()
	s.lastActive = s.now()
	cmd, err := s.st.BeginConfirm()
	if err != nil {
		v := buildView(s.ID, s.st)
		s.mu.Unlock()
		return v, err
	}
	s.mu.Unlock()

	commitCtx := context.WithoutCancel(ctx)
	if s.commitTimeout > 0 {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(commitCtx, s.commitTimeout)
		defer cancel()
	}
	commitErr := s.committer.Assign(commitCtx, cmd)

	s.mu.Lock()
	var failure *CommitFailure
	if commitErr != nil {
		failure = &CommitFailure{Message: commitErr.Error(), Cause: commitErr}
		s.st.FinishConfirm(failure)
	} else {
		s.st.FinishConfirm(nil)
	}
	s.lastActive = s.now()
	v := buildView(s.ID, s.st)
	s.mu.Unlock()

	if failure != nil {
		log.Printf("op=dispatch.Confirm session_id=%s order_id=%s err=%v", s.ID, cmd.OrderID, commitErr)
		return v, failure
	}
	log.Printf("op=dispatch.Confirm session_id=%s order_id=%s status=committed", s.ID, cmd.OrderID)
	s.committed(commitCtx, cmd)
	return v, nil
}

func (s *Session) committed(ctx context.Context, cmd order.AssignCommand) {
	if s.publisher != nil {
		e := CommittedEvent{
			SessionID:    s.ID,
			OrderID:      cmd.OrderID,
			YardID:       cmd.YardID,
			CollectorIDs: cmd.CollectorIDs,
			CrewID:       cmd.CrewID,
			StartTime:    cmd.StartTime,
			EndTime:      cmd.EndTime,
			CommittedAt:  s.now(),
		}
		if err := s.publisher.PublishCommitted(ctx, e); err != nil {
			log.Printf("op=dispatch.PublishCommitted session_id=%s order_id=%s err=%v", s.ID, cmd.OrderID, err)
		}
	}
	if s.onSuccess != nil {
		s.successOnce.Do(func() { s.onSuccess(cmd.OrderID) })
	}
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive), s.st.Committing()
}
