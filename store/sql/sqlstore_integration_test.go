package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-issuance/core"
	issuancemigrations "github.com/goliatone/go-issuance/migrations"
	sqlstore "github.com/goliatone/go-issuance/store/sql"
	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-issuance-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, expected := range []string{"issuances", "issuance_tasks", "issuance_locks", "issuance_outbox"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			expected,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", expected, err)
		}
		if tableName != expected {
			t.Fatalf("expected %s table, got %q", expected, tableName)
		}
	}
}

func TestIssuanceStore_CreateGetUpdateGuards(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IssuanceStore()

	created, err := store.Create(ctx, newIssuance("learner-1", "course-1", "tenant-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("create issuance: %v", err)
	}
	if created.Status != core.IssuanceStatusPending || created.Attempts != 0 {
		t.Fatalf("unexpected created issuance: %+v", created)
	}

	loaded, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	if loaded.LearnerID != "learner-1" || loaded.TenantID == nil || *loaded.TenantID != "tenant-1" {
		t.Fatalf("unexpected loaded issuance: %+v", loaded)
	}

	grade := 42.5
	loaded.Attempts = 2
	loaded.Grade = &grade
	loaded.Status = core.IssuanceStatusRetrying
	loaded.RecordError(core.ErrorCodeGradePending, "waiting")
	if _, err := store.Update(ctx, loaded); err != nil {
		t.Fatalf("update issuance: %v", err)
	}

	loaded.Grade = nil
	loaded.Attempts = 3
	updated, err := store.Update(ctx, loaded)
	if err != nil {
		t.Fatalf("update without grade: %v", err)
	}
	if updated.Grade == nil || *updated.Grade != 42.5 {
		t.Fatalf("expected stored grade to survive nil update, got %+v", updated.Grade)
	}

	reloaded, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload issuance: %v", err)
	}
	if reloaded.Grade == nil || *reloaded.Grade != 42.5 || reloaded.Attempts != 3 {
		t.Fatalf("unexpected reloaded issuance: %+v", reloaded)
	}
	if reloaded.ErrorCode != core.ErrorCodeGradePending {
		t.Fatalf("expected error code to persist, got %q", reloaded.ErrorCode)
	}

	reloaded.Attempts = 1
	if _, err := store.Update(ctx, reloaded); !errors.Is(err, core.ErrAttemptsDecreased) {
		t.Fatalf("expected attempts decrease error, got %v", err)
	}

	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, core.ErrIssuanceNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	missing := reloaded
	missing.ID = uuid.NewString()
	if _, err := store.Update(ctx, missing); !errors.Is(err, core.ErrIssuanceNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestIssuanceStore_UpdateKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).IssuanceStore()

	created, err := store.Create(ctx, newIssuance("learner-1", "course-1", "tenant-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("create issuance: %v", err)
	}

	issued := created
	issued.Status = core.IssuanceStatusIssued
	issued.Attempts = 1
	issued.CredentialID = "cred-1"
	if _, err := store.Update(ctx, issued); err != nil {
		t.Fatalf("update issued: %v", err)
	}

	stale := created
	stale.Status = core.IssuanceStatusRetrying
	stale.Attempts = 1
	if _, err := store.Update(ctx, stale); !errors.Is(err, core.ErrInvalidIssuanceStatusTransition) {
		t.Fatalf("expected terminal status guard, got %v", err)
	}

	reloaded, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload issuance: %v", err)
	}
	if reloaded.Status != core.IssuanceStatusIssued || reloaded.CredentialID != "cred-1" {
		t.Fatalf("expected issued record untouched, got %+v", reloaded)
	}
}

func TestIssuanceStore_BlockingUniquenessAndFindBlocking(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).IssuanceStore()
	now := time.Now().UTC()

	first, err := store.Create(ctx, newIssuance("learner-1", "course-1", "tenant-1", now))
	if err != nil {
		t.Fatalf("create first issuance: %v", err)
	}
	if _, err := store.Create(ctx, newIssuance("learner-1", "course-1", "tenant-1", now)); !errors.Is(err, sqlstore.ErrBlockingIssuanceExists) {
		t.Fatalf("expected blocking issuance error, got %v", err)
	}

	found, ok, err := store.FindBlocking(ctx, "learner-1", "course-1")
	if err != nil || !ok {
		t.Fatalf("find blocking: ok=%v err=%v", ok, err)
	}
	if found.ID != first.ID {
		t.Fatalf("expected blocking issuance %s, got %s", first.ID, found.ID)
	}

	first.Attempts = 1
	if err := first.TransitionTo(core.IssuanceStatusFailed, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.Update(ctx, first); err != nil {
		t.Fatalf("fail issuance: %v", err)
	}
	if _, ok, err := store.FindBlocking(ctx, "learner-1", "course-1"); err != nil || ok {
		t.Fatalf("expected failed issuance to stop blocking, ok=%v err=%v", ok, err)
	}
	if _, err := store.Create(ctx, newIssuance("learner-1", "course-1", "tenant-1", now)); err != nil {
		t.Fatalf("expected new issuance after failure: %v", err)
	}
}

func TestIssuanceStore_CountIssuedSinceScopesByTenant(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).IssuanceStore()
	now := time.Now().UTC().Truncate(time.Second)

	markIssued := func(learnerID string, tenant string, issuedAt time.Time) {
		t.Helper()
		issuance, err := store.Create(ctx, newIssuance(learnerID, "course-1", tenant, now.Add(-2*time.Hour)))
		if err != nil {
			t.Fatalf("create issuance: %v", err)
		}
		issuance.Attempts = 1
		issuance.Status = core.IssuanceStatusIssued
		issuance.IssuedAt = &issuedAt
		issuance.CredentialID = "cred-" + learnerID
		if _, err := store.Update(ctx, issuance); err != nil {
			t.Fatalf("mark issued: %v", err)
		}
	}
	markIssued("learner-1", "tenant-1", now.Add(-10*time.Minute))
	markIssued("learner-2", "tenant-1", now.Add(-50*time.Minute))
	markIssued("learner-3", "tenant-1", now.Add(-90*time.Minute))
	markIssued("learner-4", "tenant-2", now.Add(-5*time.Minute))
	markIssued("learner-5", "", now.Add(-5*time.Minute))

	tenant := "tenant-1"
	count, err := store.CountIssuedSince(ctx, &tenant, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count tenant-1: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 tenant-1 issuances in window, got %d", count)
	}
	count, err = store.CountIssuedSince(ctx, nil, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count untenanted: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 untenanted issuance, got %d", count)
	}
}

func TestIssuanceStore_ListPendingListAndStats(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).IssuanceStore()
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		issuance := newIssuance(fmt.Sprintf("learner-%d", i), "course-1", "tenant-1", base)
		issuance.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		created, err := store.Create(ctx, issuance)
		if err != nil {
			t.Fatalf("create issuance %d: %v", i, err)
		}
		ids = append(ids, created.ID)
	}
	other := newIssuance("learner-9", "course-2", "tenant-2", base)
	other.CreatedAt = base.Add(10 * time.Minute)
	otherCreated, err := store.Create(ctx, other)
	if err != nil {
		t.Fatalf("create other issuance: %v", err)
	}
	otherCreated.Attempts = 1
	otherCreated.Status = core.IssuanceStatusFailed
	otherCreated.RecordError(core.ErrorCodeAPIError, "boom")
	if _, err := store.Update(ctx, otherCreated); err != nil {
		t.Fatalf("fail other issuance: %v", err)
	}

	pending, err := store.ListPending(ctx, 2)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[1] {
		t.Fatalf("expected oldest two pending issuances, got %+v", pending)
	}

	page, err := store.List(ctx, core.IssuanceFilter{CourseID: "course-1", Limit: 2})
	if err != nil {
		t.Fatalf("list course-1: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 {
		t.Fatalf("expected total 3 with 2 items, got total=%d items=%d", page.Total, len(page.Items))
	}
	if page.Items[0].ID != ids[2] {
		t.Fatalf("expected newest issuance first, got %s", page.Items[0].ID)
	}

	tenant := "tenant-2"
	page, err = store.List(ctx, core.IssuanceFilter{TenantID: &tenant, Status: core.IssuanceStatusFailed})
	if err != nil {
		t.Fatalf("list tenant-2 failed: %v", err)
	}
	if page.Total != 1 || page.Items[0].ErrorCode != core.ErrorCodeAPIError {
		t.Fatalf("unexpected tenant-2 page: %+v", page)
	}

	stats, err := store.Stats(ctx, core.IssuanceFilter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 3 || stats.Failed != 1 || stats.Total != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	stats, err = store.Stats(ctx, core.IssuanceFilter{CourseID: "course-2"})
	if err != nil {
		t.Fatalf("stats course-2: %v", err)
	}
	if stats.Failed != 1 || stats.Total != 1 {
		t.Fatalf("unexpected course-2 stats: %+v", stats)
	}
}

func TestTaskStore_ScheduleRescheduleClaimComplete(t *testing.T) {
	ctx := context.Background()
	queue := newFactory(t).TaskQueue()
	now := time.Now().UTC().Truncate(time.Second)
	tenant := "tenant-1"
	identity := core.IssuanceTaskIdentity("iss-1")
	payload := core.TaskPayload{IssuanceID: "iss-1", TenantID: &tenant}

	if err := queue.ScheduleAt(ctx, identity, payload, now.Add(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := queue.ScheduleAt(ctx, identity, payload, now.Add(time.Hour)); err != nil {
		t.Fatalf("schedule duplicate: %v", err)
	}
	pending, err := queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || !pending[0].RunAt.Equal(now.Add(time.Minute)) || pending[0].Version != 1 {
		t.Fatalf("expected the first schedule to win, got %+v", pending)
	}

	claimed, err := queue.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim before due: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(claimed))
	}

	claimed, err = queue.ClaimDue(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Payload.IssuanceID != "iss-1" || claimed[0].Claims != 1 {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if claimed[0].Payload.TenantID == nil || *claimed[0].Payload.TenantID != tenant {
		t.Fatalf("expected tenant payload to round trip, got %+v", claimed[0].Payload)
	}
	again, err := queue.ClaimDue(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected claimed task to stay leased, got %d", len(again))
	}

	if err := queue.RescheduleOrQueue(ctx, identity, payload, now.Add(10*time.Minute)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := queue.Complete(ctx, claimed[0]); err != nil {
		t.Fatalf("complete stale claim: %v", err)
	}
	pending, err = queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after reschedule: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != 2 || !pending[0].RunAt.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("expected rescheduled task to survive stale completion, got %+v", pending)
	}

	claimed, err = queue.ClaimDue(ctx, now.Add(11*time.Minute), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim rescheduled: %v (%d)", err, len(claimed))
	}
	if err := queue.Complete(ctx, claimed[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	pending, err = queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after complete: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %+v", pending)
	}
}

func TestTaskStore_ReleaseAndQueueWhenMissing(t *testing.T) {
	ctx := context.Background()
	queue := newFactory(t).TaskQueue()
	now := time.Now().UTC().Truncate(time.Second)

	first := core.IssuanceTaskIdentity("iss-1")
	second := core.IssuanceTaskIdentity("iss-2")
	if err := queue.RescheduleOrQueue(ctx, first, core.TaskPayload{IssuanceID: "iss-1"}, now.Add(-time.Minute)); err != nil {
		t.Fatalf("queue first: %v", err)
	}
	if err := queue.ScheduleAt(ctx, second, core.TaskPayload{IssuanceID: "iss-2"}, now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("queue second: %v", err)
	}

	claimed, err := queue.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].Payload.IssuanceID != "iss-2" {
		t.Fatalf("expected oldest run time first, got %+v", claimed)
	}

	if err := queue.Release(ctx, claimed[0], now.Add(5*time.Minute), errors.New("credential api down")); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err = queue.ClaimDue(ctx, now.Add(6*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim released: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Payload.IssuanceID != "iss-2" {
		t.Fatalf("expected released task to be claimable, got %+v", claimed)
	}
	if claimed[0].LastError != "credential api down" || claimed[0].Claims != 2 {
		t.Fatalf("expected release cause and claim count, got %+v", claimed[0])
	}

	if err := queue.ScheduleAt(ctx, core.TaskIdentity{Key: ""}, core.TaskPayload{}, now); err == nil {
		t.Fatalf("expected identity validation error")
	}
}

func TestTaskStore_ExpiredClaimBecomesClaimable(t *testing.T) {
	ctx := context.Background()
	queue := newFactory(t).TaskQueue().WithClaimTTL(time.Minute)
	now := time.Now().UTC().Truncate(time.Second)

	identity := core.IssuanceTaskIdentity("iss-1")
	if err := queue.ScheduleAt(ctx, identity, core.TaskPayload{IssuanceID: "iss-1"}, now); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if claimed, err := queue.ClaimDue(ctx, now, 1); err != nil || len(claimed) != 1 {
		t.Fatalf("first claim: %v (%d)", err, len(claimed))
	}
	if claimed, err := queue.ClaimDue(ctx, now.Add(30*time.Second), 1); err != nil || len(claimed) != 0 {
		t.Fatalf("expected lease to hold: %v (%d)", err, len(claimed))
	}
	claimed, err := queue.ClaimDue(ctx, now.Add(2*time.Minute), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected expired lease to be reclaimed: %v (%d)", err, len(claimed))
	}
	if claimed[0].Claims != 2 {
		t.Fatalf("expected claim count 2, got %d", claimed[0].Claims)
	}
}

func TestTableLocker_TimeoutTakeoverAndTokenUnlock(t *testing.T) {
	ctx := context.Background()
	locker := newFactory(t).Locker()

	handle, err := locker.Acquire(ctx, "issuance:course-1:learner-1", 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "issuance:course-1:learner-1", time.Minute, 0); !errors.Is(err, core.ErrLockTimeout) {
		t.Fatalf("expected lock timeout while held, got %v", err)
	}
	other, err := locker.Acquire(ctx, "issuance:course-1:learner-2", time.Minute, 0)
	if err != nil {
		t.Fatalf("expected independent key to be free: %v", err)
	}
	if err := other.Unlock(ctx); err != nil {
		t.Fatalf("unlock other: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	successor, err := locker.Acquire(ctx, "issuance:course-1:learner-1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("expected expired lease takeover: %v", err)
	}
	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	if _, err := locker.Acquire(ctx, "issuance:course-1:learner-1", time.Minute, 0); !errors.Is(err, core.ErrLockTimeout) {
		t.Fatalf("expected stale unlock to leave successor lock, got %v", err)
	}
	if err := successor.Unlock(ctx); err != nil {
		t.Fatalf("unlock successor: %v", err)
	}
	released, err := locker.Acquire(ctx, "issuance:course-1:learner-1", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire after unlock: %v", err)
	}
	_ = released.Unlock(ctx)
}

func TestOutboxStore_EnqueueClaimRetryAck(t *testing.T) {
	ctx := context.Background()
	outbox := newFactory(t).EventOutbox()
	tenant := "tenant-1"
	occurredAt := time.Now().UTC().Truncate(time.Second).Add(-time.Minute)

	event := core.IssuanceEvent{
		ID:           "evt-1",
		Name:         "credential.issued",
		IssuanceID:   "iss-1",
		LearnerID:    "learner-1",
		CourseID:     "course-1",
		TenantID:     &tenant,
		TemplateID:   "tpl-1",
		Attempts:     2,
		CredentialID: "cred-1",
		OccurredAt:   occurredAt,
		Metadata:     map[string]any{"source": "test"},
	}
	if err := outbox.Enqueue(ctx, event); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := outbox.Enqueue(ctx, core.IssuanceEvent{ID: "evt-2"}); err == nil {
		t.Fatalf("expected validation error for nameless event")
	}

	claimed, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed event, got %d", len(claimed))
	}
	got := claimed[0]
	if got.Name != "credential.issued" || got.CredentialID != "cred-1" || got.Attempts != 2 || got.TemplateID != "tpl-1" {
		t.Fatalf("unexpected claimed event: %+v", got)
	}
	if got.TenantID == nil || *got.TenantID != tenant || got.Metadata["source"] != "test" {
		t.Fatalf("expected tenant and metadata to round trip, got %+v", got)
	}
	if again, err := outbox.ClaimBatch(ctx, 10); err != nil || len(again) != 0 {
		t.Fatalf("expected processing event to stay claimed: %v (%d)", err, len(again))
	}

	if err := outbox.Retry(ctx, "evt-1", errors.New("handler down"), time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	claimed, err = outbox.ClaimBatch(ctx, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim retried event: %v (%d)", err, len(claimed))
	}
	if attempts, _ := claimed[0].Metadata[core.MetadataKeyOutboxAttempts].(int); attempts != 1 {
		t.Fatalf("expected outbox attempts 1, got %v", claimed[0].Metadata[core.MetadataKeyOutboxAttempts])
	}

	if err := outbox.Ack(ctx, "evt-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if again, err := outbox.ClaimBatch(ctx, 10); err != nil || len(again) != 0 {
		t.Fatalf("expected delivered event to leave the queue: %v (%d)", err, len(again))
	}
}

func TestServiceRunsEndToEndOnSQLStores(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	tenant := "tenant-1"
	api := &stubCredentialAPI{}
	svc, err := core.NewService(core.DefaultConfig(),
		core.WithLogger(glog.Nop()),
		core.WithPersistenceClient(client),
		core.WithRepositoryFactory(sqlstore.NewRepositoryFactory()),
		core.WithTenantPolicyStore(stubPolicyStore{policy: core.TenantPolicy{
			TenantID:   &tenant,
			APIURL:     "https://credentials.example",
			APIKey:     "key",
			Enabled:    true,
			TemplateID: "tpl-1",
		}}),
		core.WithDirectory(stubDirectory{}),
		core.WithCredentialAPI(api),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	factory, ok := svc.Dependencies().RepositoryFactory.(*sqlstore.RepositoryFactory)
	if !ok {
		t.Fatalf("expected sql repository factory")
	}

	completion, err := svc.HandleCourseCompleted(ctx, core.CompletionEvent{
		LearnerID:   "learner-1",
		CourseID:    "course-1",
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if completion.Outcome != core.CompletionOutcomeCreated {
		t.Fatalf("expected created outcome, got %+v", completion)
	}

	var wg sync.WaitGroup
	results := make([]core.CompletionOutcome, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.HandleCourseCompleted(ctx, core.CompletionEvent{
				LearnerID:   "learner-1",
				CourseID:    "course-1",
				CompletedAt: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("duplicate completion: %v", err)
				return
			}
			results[i] = result.Outcome
		}(i)
	}
	wg.Wait()
	for _, outcome := range results {
		if outcome != core.CompletionOutcomeExisting {
			t.Fatalf("expected duplicate completions to find the existing issuance, got %v", results)
		}
	}

	claimed, err := factory.TaskQueue().ClaimDue(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one queued run, got %d", len(claimed))
	}
	result, err := svc.RunIssuance(ctx, claimed[0].Payload.IssuanceID)
	if err != nil {
		t.Fatalf("run issuance: %v", err)
	}
	if result.Outcome != core.RunOutcomeIssued || result.Attempts != 1 {
		t.Fatalf("unexpected run result: %+v", result)
	}
	if err := factory.TaskQueue().Complete(ctx, claimed[0]); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	issuance, err := svc.GetIssuance(ctx, completion.Issuance.ID)
	if err != nil {
		t.Fatalf("get issuance: %v", err)
	}
	if issuance.Status != core.IssuanceStatusIssued || issuance.CredentialID != "cred-1" || issuance.IssuedAt == nil {
		t.Fatalf("unexpected issued record: %+v", issuance)
	}

	events, err := factory.EventOutbox().ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim events: %v", err)
	}
	if len(events) != 1 || events[0].Name != "credential.issued" || events[0].IssuanceID != issuance.ID {
		t.Fatalf("expected credential.issued in outbox, got %+v", events)
	}
}

type stubPolicyStore struct {
	policy core.TenantPolicy
}

func (s stubPolicyStore) Resolve(context.Context, string) (core.TenantPolicy, bool, error) {
	return s.policy, true, nil
}

type stubDirectory struct{}

func (stubDirectory) GetLearner(_ context.Context, learnerID string) (core.Learner, bool, error) {
	return core.Learner{ID: learnerID, Email: "ada@example.com", GivenName: "Ada", FamilyName: "Lovelace"}, true, nil
}

func (stubDirectory) GetCourse(_ context.Context, courseID string) (core.Course, bool, error) {
	return core.Course{ID: courseID, FullName: "Analytical Engines", ShortName: "AE101"}, true, nil
}

type stubCredentialAPI struct {
	mu    sync.Mutex
	calls int
}

func (a *stubCredentialAPI) IssueCredential(context.Context, core.IssueRequest) (core.IssueResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return core.IssueResponse{CredentialID: fmt.Sprintf("cred-%d", a.calls)}, nil
}

func (a *stubCredentialAPI) ListTemplates(context.Context, core.APIEndpoint, bool) ([]core.Template, error) {
	return nil, nil
}

func newIssuance(learnerID string, courseID string, tenant string, completedAt time.Time) core.Issuance {
	issuance := core.Issuance{
		ID:            uuid.NewString(),
		LearnerID:     learnerID,
		CourseID:      courseID,
		TemplateID:    "tpl-1",
		Status:        core.IssuanceStatusPending,
		TimeCompleted: completedAt,
	}
	if tenant != "" {
		issuance.TenantID = &tenant
	}
	return issuance
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:issuance-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = issuancemigrations.Register(ctx, func(_ context.Context, source issuancemigrations.Source) error {
		client.RegisterSQLMigrations(source.FS)
		return nil
	}, issuancemigrations.DialectSQLite)
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
