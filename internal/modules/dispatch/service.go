// README: Dispatch service; registry of open sessions and their idle eviction.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrapdispatch/internal/config"
	"scrapdispatch/internal/modules/candidate"
	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/types"
)

const candidateLoadTimeout = 10 * time.Second

type OrderReader interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type CandidateLoader interface {
	LoadSnapshot(ctx context.Context, role string) *candidate.Snapshot
}

type Deps struct {
	Orders      OrderReader
	Candidates  CandidateLoader
	Committer   Committer
	Estimator   RouteEstimator
	Publisher   Publisher
	Idempotency IdempotencyStore
	Config      config.DispatchConfig
}

type Service struct {
	deps   Deps
	policy Policy
	now    func() time.Time
	newID  func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewService(d Deps) *Service {
	return &Service{
		deps: d,
		policy: Policy{
			ExclusiveTeam:        d.Config.ExclusiveTeam,
			EnforceScheduleOrder: d.Config.EnforceScheduleOrder,
			RequireOrderVersion:  d.Config.RequireOrderVersion,
		},
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
}

// OpenCommand opens a session for one order. A nil RoleFilter uses the
// configured collector role; an empty one disables role filtering.
type OpenCommand struct {
	OrderID    types.ID
	RoleFilter *string
	OnSuccess  func(orderID types.ID)
}

// Open reads the order and returns a session in the loading state. The
// candidate pools are fetched in the background; the session refuses to
// advance until they settle.
func (s *Service) Open(ctx context.Context, cmd OpenCommand) (*Session, error) {
	if cmd.OrderID == "" {
		return nil, order.ErrBadRequest
	}
	o, err := s.deps.Orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	role := s.deps.Config.CollectorRole
	if cmd.RoleFilter != nil {
		role = *cmd.RoleFilter
	}

	sess := newSession(s.newID(), NewStepper(*o, nil, s.policy), sessionDeps{
		estimator:     s.deps.Estimator,
		committer:     s.deps.Committer,
		publisher:     s.deps.Publisher,
		routeTimeout:  s.deps.Config.RouteTimeout,
		commitTimeout: s.deps.Config.CommitTimeout,
		now:           s.now,
	}, cmd.OnSuccess)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	loadCtx := context.WithoutCancel(ctx)
	sess.bg.Add(1)
	go func() {
		defer sess.bg.Done()
		ctx, cancel := context.WithTimeout(loadCtx, candidateLoadTimeout)
		defer cancel()
		snap := s.deps.Candidates.LoadSnapshot(ctx, role)
		sess.mu.Lock()
		sess.st.SetSnapshot(snap)
		sess.mu.Unlock()
	}()

	log.Printf("op=dispatch.Open session_id=%s order_id=%s status=%s", sess.ID, o.ID, o.Status)
	return sess, nil
}

func (s *Service) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Yards ranks the session's yards by distance from the order pickup point.
func (s *Service) Yards(id string) ([]candidate.YardOption, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	snap := sess.st.Snapshot()
	if snap == nil {
		return nil, ErrLoading
	}
	o := sess.st.Order()
	return candidate.RankYards(snap, o.Pickup), nil
}

// Confirm commits the session's draft. With a non-empty key a repeated call
// after a successful commit returns the committed view instead of committing
// again. A failed commit does not consume the key.
func (s *Service) Confirm(ctx context.Context, id, key string) (View, error) {
	sess, err := s.Get(id)
	if err != nil {
		return View{}, err
	}
	if key == "" || s.deps.Idempotency == nil {
		return sess.Confirm(ctx)
	}

	prev, started, err := s.deps.Idempotency.Begin(ctx, id, key)
	if err != nil {
		log.Printf("op=dispatch.Idempotency.Begin session_id=%s err=%v", id, err)
		return sess.Confirm(ctx)
	}
	if !started {
		switch prev.State {
		case OutcomeCommitted:
			return sess.View(), nil
		default:
			return sess.View(), ErrCommitInProgress
		}
	}

	v, cerr := sess.Confirm(ctx)
	recCtx := context.WithoutCancel(ctx)
	var rerr error
	if cerr == nil {
		rerr = s.deps.Idempotency.Finish(recCtx, id, key, Outcome{State: OutcomeCommitted})
	} else {
		rerr = s.deps.Idempotency.Release(recCtx, id, key)
	}
	if rerr != nil {
		log.Printf("op=dispatch.Idempotency.Record session_id=%s err=%v", id, rerr)
	}
	return v, cerr
}

// Evict removes sessions idle for longer than maxIdle. Sessions with a commit
// in flight are kept.
func (s *Service) Evict(maxIdle time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		idle, committing := sess.idleSince(now)
		if committing || idle < maxIdle {
			continue
		}
		delete(s.sessions, id)
		n++
	}
	return n
}

// RunJanitor evicts idle sessions until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, every time.Duration) {
	maxIdle := s.deps.Config.SessionIdle
	if maxIdle <= 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(maxIdle); n > 0 {
				log.Printf("op=dispatch.Evict removed=%d", n)
			}
		}
	}
}
