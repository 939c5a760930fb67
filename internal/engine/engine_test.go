package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"notifyhub/internal/analytics"
	"notifyhub/internal/channels"
	"notifyhub/internal/config"
	"notifyhub/internal/enginequeue"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/store"
)

// fakeAdapter returns a pre-scripted Result per job ID, so tests can
// drive the engine's retry/dead-letter decisions deterministically
// without a real transport.
type fakeAdapter struct {
	channel model.Channel
	outcome map[string]error
}

func (f *fakeAdapter) Channel() model.Channel          { return f.channel }
func (f *fakeAdapter) Capabilities() channels.Capabilities { return channels.Capabilities{MaxBatchSize: 50} }
func (f *fakeAdapter) Send(_ context.Context, jobs []*model.DeliveryJob) []channels.Result {
	results := make([]channels.Result, len(jobs))
	for i, job := range jobs {
		results[i] = channels.Result{JobID: job.ID, Err: f.outcome[job.ID]}
	}
	return results
}

func newTestEngine(t *testing.T, outcome map[string]error) (*Engine, *store.DeliveryJobRepo, *store.DeliveryAttemptRepo) {
	t.Helper()
	path := "test_" + t.Name() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	s, err := store.Open(config.StorageConfig{Driver: "sqlite3", SQLitePath: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	jobs := store.NewDeliveryJobRepo(s)
	attempts := store.NewDeliveryAttemptRepo(s)
	queue := enginequeue.New(redisClient)
	recorder := analytics.NewRecorder(store.NewAnalyticsRepo(s))

	cfg := config.Default()
	adapter := &fakeAdapter{channel: model.ChannelEmail, outcome: outcome}

	e := New(jobs, attempts, queue, ratelimit.NewMemLimiter(), cfg, map[model.Channel]channels.Adapter{model.ChannelEmail: adapter}, recorder)
	return e, jobs, attempts
}

func insertAndClaim(t *testing.T, jobs *store.DeliveryJobRepo, id string, maxAttempts int) *model.DeliveryJob {
	t.Helper()
	job := &model.DeliveryJob{
		ID: id, NotificationID: "notif-1", UserID: "user-1", Channel: model.ChannelEmail,
		Priority: model.PriorityNormal, MaxAttempts: maxAttempts,
		NotBefore: time.Now().UTC().Add(-time.Minute), State: model.JobPending,
	}
	if err := jobs.Insert(job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	claimed, err := jobs.ClaimBatch(model.ChannelEmail, model.PriorityNormal, 10, time.Now().UTC(), time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected to claim exactly 1 job, got %d", len(claimed))
	}
	return claimed[0]
}

func TestEngine_DeliverBatch_SuccessMarksJobSucceeded(t *testing.T) {
	e, jobs, attempts := newTestEngine(t, map[string]error{"job-1": nil})
	job := insertAndClaim(t, jobs, "job-1", 3)

	e.deliverBatch(context.Background(), model.ChannelEmail, e.adapters[model.ChannelEmail], []*model.DeliveryJob{job})

	got, err := jobs.Get("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.JobSucceeded {
		t.Fatalf("expected job to be marked succeeded, got %s", got.State)
	}

	logged, err := attempts.ListByNotification("notif-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(logged) != 1 || logged[0].Status != model.AttemptDelivered {
		t.Fatalf("expected a single delivered attempt, got %+v", logged)
	}
}

func TestEngine_DeliverBatch_TransientErrorReschedulesWithinBudget(t *testing.T) {
	transientErr := errs.New(errs.Transient, "smtp timeout")
	e, jobs, attempts := newTestEngine(t, map[string]error{"job-1": transientErr})
	job := insertAndClaim(t, jobs, "job-1", 3)

	e.deliverBatch(context.Background(), model.ChannelEmail, e.adapters[model.ChannelEmail], []*model.DeliveryJob{job})

	got, err := jobs.Get("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.JobPending {
		t.Fatalf("expected job to be rescheduled (still pending) within its retry budget, got %s", got.State)
	}
	if got.NotBefore.Before(time.Now().UTC()) {
		t.Fatal("expected the reschedule to push not_before into the future")
	}

	logged, err := attempts.ListByNotification("notif-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(logged) != 1 || logged[0].Status != model.AttemptFailed {
		t.Fatalf("expected a single failed attempt recorded, got %+v", logged)
	}
}

func TestEngine_DeliverBatch_PermanentErrorDeadLetters(t *testing.T) {
	permanentErr := errs.New(errs.Permanent, "mailbox does not exist")
	e, jobs, attempts := newTestEngine(t, map[string]error{"job-1": permanentErr})
	job := insertAndClaim(t, jobs, "job-1", 3)

	e.deliverBatch(context.Background(), model.ChannelEmail, e.adapters[model.ChannelEmail], []*model.DeliveryJob{job})

	got, err := jobs.Get("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.JobDeadLettered {
		t.Fatalf("expected a permanent error to dead-letter the job immediately, got %s", got.State)
	}

	logged, err := attempts.ListByNotification("notif-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(logged) != 1 || logged[0].ErrorKind != string(errs.Permanent) {
		t.Fatalf("expected the recorded error kind to be permanent, got %+v", logged)
	}
}

func TestEngine_DeliverBatch_TransientErrorExhaustsToDeadLetter(t *testing.T) {
	transientErr := errs.New(errs.Transient, "smtp timeout")
	e, jobs, attempts := newTestEngine(t, map[string]error{"job-1": transientErr})
	job := insertAndClaim(t, jobs, "job-1", 1) // a single-attempt budget exhausts on the first failure

	e.deliverBatch(context.Background(), model.ChannelEmail, e.adapters[model.ChannelEmail], []*model.DeliveryJob{job})

	got, err := jobs.Get("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.JobDeadLettered {
		t.Fatalf("expected a transient error past the retry budget to dead-letter, got %s", got.State)
	}

	logged, err := attempts.ListByNotification("notif-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(logged) != 1 || logged[0].ErrorKind != string(errs.Exhausted) {
		t.Fatalf("expected the recorded error kind to be exhausted, got %+v", logged)
	}
}
