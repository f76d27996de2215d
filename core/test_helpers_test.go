package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGradeStore struct {
	mu              sync.Mutex
	item            *GradeItem
	record          *GradeRecord
	needsRecompute  bool
	recomputeCalls  int
	err             error
	onForceRecomute func()
}

func (s *fakeGradeStore) GetGradeItem(_ context.Context, courseID string) (GradeItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return GradeItem{}, false, s.err
	}
	if s.item == nil {
		return GradeItem{}, false, nil
	}
	item := *s.item
	item.CourseID = courseID
	return item, true, nil
}

func (s *fakeGradeStore) GetGradeRecord(context.Context, string, string) (GradeRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return GradeRecord{}, false, s.err
	}
	if s.record == nil {
		return GradeRecord{}, false, nil
	}
	return *s.record, true, nil
}

func (s *fakeGradeStore) NeedsRecompute(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsRecompute, s.err
}

func (s *fakeGradeStore) ForceRecompute(context.Context, string, string) error {
	s.mu.Lock()
	s.recomputeCalls++
	hook := s.onForceRecomute
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *fakeGradeStore) setRecord(value float64, modifiedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &GradeRecord{Value: &value, ModifiedAt: modifiedAt}
}

type fakePolicyStore struct {
	mu       sync.Mutex
	policies map[string]TenantPolicy
}

func newFakePolicyStore(courseID string, policy TenantPolicy) *fakePolicyStore {
	return &fakePolicyStore{policies: map[string]TenantPolicy{courseID: policy}}
}

func (s *fakePolicyStore) Resolve(_ context.Context, courseID string) (TenantPolicy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[courseID]
	return policy, ok, nil
}

func (s *fakePolicyStore) update(courseID string, fn func(*TenantPolicy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy := s.policies[courseID]
	fn(&policy)
	s.policies[courseID] = policy
}

type fakeDirectory struct {
	learners map[string]Learner
	courses  map[string]Course
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		learners: map[string]Learner{
			"learner-1": {ID: "learner-1", Email: "ada@example.com", GivenName: "Ada", FamilyName: "Lovelace"},
		},
		courses: map[string]Course{
			"course-1": {ID: "course-1", FullName: "Analytical Engines", ShortName: "AE101"},
		},
	}
}

func (d *fakeDirectory) GetLearner(_ context.Context, learnerID string) (Learner, bool, error) {
	learner, ok := d.learners[learnerID]
	return learner, ok, nil
}

func (d *fakeDirectory) GetCourse(_ context.Context, courseID string) (Course, bool, error) {
	course, ok := d.courses[courseID]
	return course, ok, nil
}

type fakeCredentialAPI struct {
	mu        sync.Mutex
	failures  int
	requests  []IssueRequest
	templates []Template
	nextID    int
}

func (a *fakeCredentialAPI) IssueCredential(_ context.Context, req IssueRequest) (IssueResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.failures > 0 {
		a.failures--
		return IssueResponse{}, errors.New("credential api: status 503")
	}
	a.nextID++
	return IssueResponse{CredentialID: fmt.Sprintf("cred-%d", a.nextID)}, nil
}

func (a *fakeCredentialAPI) ListTemplates(context.Context, APIEndpoint, bool) ([]Template, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Template(nil), a.templates...), nil
}

func (a *fakeCredentialAPI) calls() []IssueRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]IssueRequest(nil), a.requests...)
}

type captureNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *captureNotifier) Notify(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *captureNotifier) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notifications))
	for _, item := range n.notifications {
		out = append(out, item.TemplateKey)
	}
	return out
}

type captureEventSink struct {
	mu     sync.Mutex
	events []IssuanceEvent
}

func (s *captureEventSink) Emit(_ context.Context, event IssuanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureEventSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Name)
	}
	return out
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type harness struct {
	service   *Service
	clock     *testClock
	store     *MemoryIssuanceStore
	queue     *MemoryTaskQueue
	grades    *fakeGradeStore
	policies  *fakePolicyStore
	directory *fakeDirectory
	api       *fakeCredentialAPI
	notifier  *captureNotifier
	events    *captureEventSink
}

func defaultTestPolicy() TenantPolicy {
	tenant := "tenant-1"
	return TenantPolicy{
		TenantID:   &tenant,
		APIURL:     "https://credentials.example",
		APIKey:     "key",
		Enabled:    true,
		TemplateID: "tpl-1",
	}
}

func newHarness(t *testing.T, policy TenantPolicy, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig(), policy, opts...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, policy TenantPolicy, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		store:     NewMemoryIssuanceStore(),
		queue:     NewMemoryTaskQueue(),
		grades:    &fakeGradeStore{},
		policies:  newFakePolicyStore("course-1", policy),
		directory: newFakeDirectory(),
		api:       &fakeCredentialAPI{},
		notifier:  &captureNotifier{},
		events:    &captureEventSink{},
	}
	base := []Option{
		WithLogger(glog.Nop()),
		WithClock(h.clock.Now),
		WithIssuanceStore(h.store),
		WithTaskScheduler(h.queue),
		WithGradeStore(h.grades),
		WithTenantPolicyStore(h.policies),
		WithDirectory(h.directory),
		WithCredentialAPI(h.api),
		WithNotificationSink(h.notifier),
		WithEventSink(h.events),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.service = svc
	return h
}

// complete fires a completion event at the current clock and returns the issuance.
func (h *harness) complete(t *testing.T) Issuance {
	t.Helper()
	result, err := h.service.HandleCourseCompleted(context.Background(), CompletionEvent{
		LearnerID:   "learner-1",
		CourseID:    "course-1",
		CompletedAt: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("handle course completed: %v", err)
	}
	if result.Outcome != CompletionOutcomeCreated || result.Issuance == nil {
		t.Fatalf("expected created issuance, got %+v", result)
	}
	return *result.Issuance
}

// runDue advances the clock to the next queued task and executes it the way
// a runner would.
func (h *harness) runDue(t *testing.T) RunResult {
	t.Helper()
	pending := h.queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one queued task, got %d", len(pending))
	}
	if wait := pending[0].RunAt.Sub(h.clock.Now()); wait > 0 {
		h.clock.Advance(wait)
	}
	ctx := context.Background()
	claimed, err := h.queue.ClaimDue(ctx, h.clock.Now(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim due task: %v (%d claimed)", err, len(claimed))
	}
	result, err := h.service.RunIssuance(ctx, claimed[0].Payload.IssuanceID)
	if err != nil {
		t.Fatalf("run issuance: %v", err)
	}
	if err := h.queue.Complete(ctx, claimed[0]); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	return result
}

func (h *harness) issuance(t *testing.T, id string) Issuance {
	t.Helper()
	issuance, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	return issuance
}
