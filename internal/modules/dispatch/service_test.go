// README: Session and service tests with in-memory ports.
package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scrapdispatch/internal/config"
	"scrapdispatch/internal/maps"
	"scrapdispatch/internal/modules/candidate"
	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/types"
)

type stubOrders struct {
	orders map[types.ID]order.Order
}

func (s *stubOrders) Get(_ context.Context, id types.ID) (*order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

type stubCandidates struct {
	snap  *candidate.Snapshot
	roles []string
	mu    sync.Mutex
}

func (s *stubCandidates) LoadSnapshot(_ context.Context, role string) *candidate.Snapshot {
	s.mu.Lock()
	s.roles = append(s.roles, role)
	s.mu.Unlock()
	return s.snap
}

type stubCommitter struct {
	mu     sync.Mutex
	calls  []order.AssignCommand
	err    error
	gate   chan struct{}
	ctxErr error
}

func (c *stubCommitter) Assign(ctx context.Context, cmd order.AssignCommand) error {
	c.mu.Lock()
	c.calls = append(c.calls, cmd)
	gate := c.gate
	err := c.err
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.mu.Lock()
	c.ctxErr = ctx.Err()
	c.mu.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (c *stubCommitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type stubEstimator struct {
	calls atomic.Int32
	est   maps.Estimate
	err   error
}

func (e *stubEstimator) EstimateRoute(_ context.Context, _, _ types.Point) (maps.Estimate, error) {
	e.calls.Add(1)
	return e.est, e.err
}

type stubPublisher struct {
	mu     sync.Mutex
	events []CommittedEvent
	err    error
}

func (p *stubPublisher) PublishCommitted(_ context.Context, e CommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type fixture struct {
	svc        *Service
	candidates *stubCandidates
	committer  *stubCommitter
	estimator  *stubEstimator
	publisher  *stubPublisher
}

func newFixture(t *testing.T, cfg config.DispatchConfig, orders ...order.Order) *fixture {
	t.Helper()
	f := &fixture{
		candidates: &stubCandidates{snap: testSnapshot()},
		committer:  &stubCommitter{},
		estimator:  &stubEstimator{est: maps.Estimate{Distance: "6.4 km", Duration: "14 min"}},
		publisher:  &stubPublisher{},
	}
	m := make(map[types.ID]order.Order)
	for _, o := range orders {
		m[o.ID] = o
	}
	f.svc = NewService(Deps{
		Orders:     &stubOrders{orders: m},
		Candidates: f.candidates,
		Committer:  f.committer,
		Estimator:  f.estimator,
		Publisher:  f.publisher,
		Config:     cfg,
	})
	return f
}

func defaultConfig() config.DispatchConfig {
	return config.DispatchConfig{
		CollectorRole:        "collector",
		EnforceScheduleOrder: true,
		RequireOrderVersion:  true,
		RouteTimeout:         time.Second,
		SessionIdle:          time.Hour,
	}
}

func openReady(t *testing.T, f *fixture, cmd OpenCommand) *Session {
	t.Helper()
	sess, err := f.svc.Open(context.Background(), cmd)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Wait()
	return sess
}

func toReview(t *testing.T, sess *Session) {
	t.Helper()
	if _, err := sess.SelectYard("Y1"); err != nil {
		t.Fatalf("select yard: %v", err)
	}
	if _, err := sess.ToggleCollector("C1"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := sess.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
}

func TestOpen_LoadsCandidates(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	sess, err := f.svc.Open(context.Background(), OpenCommand{OrderID: "O1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Wait()
	v := sess.View()
	if v.Loading || v.Step != StepYardSelection || v.Order.ID != "O1" {
		t.Fatalf("unexpected view %+v", v)
	}
	if got, err := f.svc.Get(sess.ID); err != nil || got != sess {
		t.Fatalf("session not registered: %v", err)
	}

	empty := ""
	openReady(t, f, OpenCommand{OrderID: "O1", RoleFilter: &empty})
	if !reflect.DeepEqual(f.candidates.roles, []string{"collector", ""}) {
		t.Fatalf("unexpected roles %v", f.candidates.roles)
	}
}

func TestOpen_Errors(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	if _, err := f.svc.Open(context.Background(), OpenCommand{OrderID: "missing"}); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Open(context.Background(), OpenCommand{}); !errors.Is(err, order.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := f.svc.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestOpen_PartialCandidateFailure(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	f.candidates.snap = candidate.NewSnapshot(testSnapshot().Yards, nil, nil, &candidate.LoadError{
		Failed: map[candidate.Pool]error{
			candidate.PoolCrews:      errors.New("timeout"),
			candidate.PoolCollectors: errors.New("timeout"),
		},
	})
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	v := sess.View()
	if !reflect.DeepEqual(v.CandidateErrors, []string{"collectors", "crews"}) {
		t.Fatalf("unexpected candidate errors %v", v.CandidateErrors)
	}
	if _, err := sess.SelectYard("Y1"); err != nil {
		t.Fatalf("session must stay usable with partial data: %v", err)
	}
}

func TestSession_HappyPath(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	var refreshed []types.ID
	sess := openReady(t, f, OpenCommand{OrderID: "O1", OnSuccess: func(id types.ID) {
		refreshed = append(refreshed, id)
	}})

	if _, err := sess.SelectYard("Y1"); err != nil {
		t.Fatalf("select yard: %v", err)
	}
	v, err := sess.Next()
	if err != nil || v.Step != StepTeamAndSchedule {
		t.Fatalf("next: step=%s err=%v", v.Step, err)
	}
	v, err = sess.Next()
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Message != MsgTeamRequired || v.Step != StepTeamAndSchedule || v.Error != MsgTeamRequired {
		t.Fatalf("expected team required, got step=%s err=%v", v.Step, err)
	}
	if _, err := sess.ToggleCollector("C1"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if v, err = sess.Next(); err != nil || v.Step != StepReviewAndConfirm {
		t.Fatalf("next: step=%s err=%v", v.Step, err)
	}
	sess.Wait()
	v = sess.View()
	if v.Draft.RouteDistance == nil || *v.Draft.RouteDistance != "6.4 km" {
		t.Fatalf("expected route estimate merged, got %+v", v.Draft)
	}

	v, err = sess.Confirm(context.Background())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if v.Step != StepCommitted {
		t.Fatalf("expected committed, got %s", v.Step)
	}
	if f.committer.count() != 1 {
		t.Fatalf("expected exactly one commit, got %d", f.committer.count())
	}
	cmd := f.committer.calls[0]
	if cmd.OrderID != "O1" || cmd.YardID != "Y1" || !reflect.DeepEqual(cmd.CollectorIDs, []types.ID{"C1"}) {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.RouteDistance == nil || *cmd.RouteDistance != "6.4 km" {
		t.Fatalf("route estimate not carried into commit")
	}
	if !reflect.DeepEqual(refreshed, []types.ID{"O1"}) {
		t.Fatalf("expected one success callback, got %v", refreshed)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].OrderID != "O1" {
		t.Fatalf("expected one committed event, got %v", f.publisher.events)
	}
	if _, err := sess.Confirm(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if len(refreshed) != 1 {
		t.Fatalf("success callback must fire once")
	}
}

func TestSession_CommitFailureKeepsDraft(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	f.committer.err = order.ErrConflict
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)
	sess.Wait()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	_, _ = sess.SetSchedule(&start, &end)
	_, _ = sess.SetNotes("back gate")
	before := sess.View().Draft

	v, err := sess.Confirm(context.Background())
	var cf *CommitFailure
	if !errors.As(err, &cf) {
		t.Fatalf("expected CommitFailure, got %v", err)
	}
	if cf.Message != "order was modified by another dispatcher" || !errors.Is(err, order.ErrConflict) {
		t.Fatalf("unexpected failure %q", cf.Message)
	}
	if v.Step != StepReviewAndConfirm || v.Committing || v.Error != cf.Message {
		t.Fatalf("unexpected view after failure %+v", v)
	}
	if !reflect.DeepEqual(before, v.Draft) {
		t.Fatalf("draft changed after failure: %+v vs %+v", before, v.Draft)
	}
	if len(f.publisher.events) != 0 {
		t.Fatalf("failed commit must not publish")
	}

	f.committer.err = nil
	if v, err = sess.Confirm(context.Background()); err != nil || v.Step != StepCommitted {
		t.Fatalf("retry: step=%s err=%v", v.Step, err)
	}
	if f.committer.count() != 2 {
		t.Fatalf("expected two commit calls, got %d", f.committer.count())
	}
}

func TestSession_SingleOutstandingCommit(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	f.committer.gate = make(chan struct{})
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Confirm(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.committer.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("commit never started")
		}
		time.Sleep(time.Millisecond)
	}

	if v := sess.View(); !v.Committing {
		t.Fatalf("expected committing view")
	}
	if _, err := sess.Confirm(context.Background()); !errors.Is(err, ErrCommitInProgress) {
		t.Fatalf("expected ErrCommitInProgress, got %v", err)
	}
	if _, err := sess.Cancel(); !errors.Is(err, ErrCommitInProgress) {
		t.Fatalf("expected ErrCommitInProgress, got %v", err)
	}

	close(f.committer.gate)
	if err := <-done; err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f.committer.count() != 1 {
		t.Fatalf("expected exactly one commit, got %d", f.committer.count())
	}
}

func TestSession_RouteFailureNeverBlocksConfirm(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	f.estimator.err = errors.New("maps down")
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)
	sess.Wait()

	v := sess.View()
	if v.Draft.RouteDistance != nil || v.Error != "" {
		t.Fatalf("route failure must leave estimate unset and surface nothing: %+v", v)
	}
	if _, err := sess.Confirm(context.Background()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f.committer.calls[0].RouteDistance != nil {
		t.Fatalf("commit must not carry a route estimate")
	}
}

func TestSession_RouteFiredOnce(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)
	sess.Wait()
	_, _ = sess.Back()
	_, _ = sess.Next()
	sess.Wait()
	if n := f.estimator.calls.Load(); n != 1 {
		t.Fatalf("expected one route estimate, got %d", n)
	}
}

func TestSession_CancelAfterRoute(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)
	v, err := sess.Cancel()
	if err != nil || v.Step != StepCancelled || v.Draft != nil {
		t.Fatalf("cancel: %+v err=%v", v, err)
	}
	sess.Wait()
	if v := sess.View(); v.Draft != nil {
		t.Fatalf("late route result must be dropped")
	}
	if f.committer.count() != 0 {
		t.Fatalf("cancel must not commit")
	}
}

func TestService_Yards(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	yards, err := f.svc.Yards(sess.ID)
	if err != nil {
		t.Fatalf("yards: %v", err)
	}
	if len(yards) != 3 || yards[2].Yard.ID != "Y3" || yards[2].DistanceKm != nil {
		t.Fatalf("expected unmapped yard last, got %+v", yards)
	}
}

func TestService_Evict(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	idle := openReady(t, f, OpenCommand{OrderID: "O1"})
	now = now.Add(30 * time.Minute)
	active := openReady(t, f, OpenCommand{OrderID: "O1"})
	now = now.Add(45 * time.Minute)

	if n := f.svc.Evict(time.Hour); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, err := f.svc.Get(idle.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle session must be evicted")
	}
	if _, err := f.svc.Get(active.ID); err != nil {
		t.Fatalf("active session must stay: %v", err)
	}
}

type memIdempotency struct {
	mu   sync.Mutex
	recs map[string]Outcome
}

func (m *memIdempotency) Begin(_ context.Context, sessionID, key string) (Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := confirmKey(sessionID, key)
	if o, ok := m.recs[k]; ok {
		return o, false, nil
	}
	m.recs[k] = Outcome{State: OutcomePending}
	return Outcome{}, true, nil
}

func (m *memIdempotency) Finish(_ context.Context, sessionID, key string, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[confirmKey(sessionID, key)] = o
	return nil
}

func (m *memIdempotency) Release(_ context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, confirmKey(sessionID, key))
	return nil
}

func TestService_ConfirmIdempotency(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	f.svc.deps.Idempotency = &memIdempotency{recs: make(map[string]Outcome)}
	f.committer.err = errors.New("network unreachable")
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)

	_, err := f.svc.Confirm(context.Background(), sess.ID, "k1")
	var cf *CommitFailure
	if !errors.As(err, &cf) || cf.Message != "network unreachable" {
		t.Fatalf("expected CommitFailure, got %v", err)
	}

	// The failed attempt does not consume the key.
	f.committer.mu.Lock()
	f.committer.err = nil
	f.committer.mu.Unlock()
	v, err := f.svc.Confirm(context.Background(), sess.ID, "k1")
	if err != nil || v.Step != StepCommitted {
		t.Fatalf("retry k1: step=%s err=%v", v.Step, err)
	}
	v, err = f.svc.Confirm(context.Background(), sess.ID, "k1")
	if err != nil || v.Step != StepCommitted {
		t.Fatalf("replay k1: step=%s err=%v", v.Step, err)
	}
	if f.committer.count() != 2 {
		t.Fatalf("replay must not commit again, got %d calls", f.committer.count())
	}
}

func TestSession_ConfirmOutlivesCallerCancel(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	gate := make(chan struct{})
	f.committer.gate = gate
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		v   View
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := sess.Confirm(ctx)
		done <- result{v, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.committer.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("commit never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(gate)

	r := <-done
	if r.err != nil || r.v.Step != StepCommitted {
		t.Fatalf("client cancel must not fail the commit: step=%s err=%v", r.v.Step, r.err)
	}
	f.committer.mu.Lock()
	defer f.committer.mu.Unlock()
	if f.committer.ctxErr != nil {
		t.Fatalf("commit context cancelled: %v", f.committer.ctxErr)
	}
}

func TestSession_ConfirmTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.CommitTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, freshOrder())
	f.svc.deps.Committer = blockingCommitter{}
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)

	v, err := sess.Confirm(context.Background())
	var cf *CommitFailure
	if !errors.As(err, &cf) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed-out CommitFailure, got %v", err)
	}
	if v.Step != StepReviewAndConfirm || v.Committing {
		t.Fatalf("timed-out commit must stay on review: step=%s committing=%v", v.Step, v.Committing)
	}
}

type blockingCommitter struct{}

func (blockingCommitter) Assign(ctx context.Context, _ order.AssignCommand) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestService_ConfirmValidationReleasesKey(t *testing.T) {
	f := newFixture(t, defaultConfig(), freshOrder())
	idem := &memIdempotency{recs: make(map[string]Outcome)}
	f.svc.deps.Idempotency = idem
	sess := openReady(t, f, OpenCommand{OrderID: "O1"})
	toReview(t, sess)
	_, _ = sess.ToggleCollector("C1")

	_, err := f.svc.Confirm(context.Background(), sess.ID, "k1")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Message != MsgTeamRequired {
		t.Fatalf("expected team required, got %v", err)
	}
	if len(idem.recs) != 0 {
		t.Fatalf("validation failure must release the key, got %v", idem.recs)
	}
	_, _ = sess.ToggleCollector("C1")
	if _, err := f.svc.Confirm(context.Background(), sess.ID, "k1"); err != nil {
		t.Fatalf("confirm after fix: %v", err)
	}
}
